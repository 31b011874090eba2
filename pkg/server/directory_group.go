package server

import (
	"fmt"
	"sync"

	"github.com/infinoted/infinote/pkg/acl"
	"github.com/infinoted/infinote/pkg/communication"
	"github.com/infinoted/infinote/pkg/directory"
	"github.com/infinoted/infinote/pkg/logger"
	"github.com/infinoted/infinote/pkg/wire"
)

// directoryGroupName is the well-known communication group every
// connection joins on accept, carrying directory-tree traffic
// (explore-node, add-node, remove-node, rename-node, subscribe-session)
// the way a document's own group carries its session traffic.
const directoryGroupName = "InfDirectory"

// directoryGroup wires the directory tree to the transport: it is the
// directory.Listener that turns node lifecycle events into pushed
// add-node/remove-node/rename-node elements, and the communication.Group
// consumer that turns inbound directory-tagged elements into directory
// operations.
type directoryGroup struct {
	srv   *Server
	group *communication.Group

	mu      sync.Mutex
	members map[uint64]*Conn
}

func newDirectoryGroup(srv *Server) *directoryGroup {
	dg := &directoryGroup{
		srv:     srv,
		group:   communication.NewGroup(directoryGroupName, "INFINOTE", true),
		members: make(map[uint64]*Conn),
	}
	dg.group.SetConsumer(dg.receive)
	srv.directory.AddListener(dg)
	return dg
}

// Join registers conn as a member of the directory group, sent a
// `<welcome>` once so it knows the protocol version and sees its own
// connection id echoed as the sequence id.
func (dg *directoryGroup) Join(conn *Conn) error {
	if err := dg.srv.registry.Register(conn, dg.group, communication.CentralMethod{}); err != nil {
		return err
	}
	dg.group.AddMember(conn)
	conn.JoinedGroup(dg.group.Name)

	dg.mu.Lock()
	dg.members[conn.ID()] = conn
	dg.mu.Unlock()

	return dg.sendTo(conn, &wire.Welcome{Version: "1.0", SequenceID: uint32(conn.ID())})
}

// Leave removes conn from the directory group, unsubscribing it from
// every document group it also joined.
func (dg *directoryGroup) Leave(conn *Conn) {
	dg.mu.Lock()
	delete(dg.members, conn.ID())
	dg.mu.Unlock()

	for _, name := range conn.Groups() {
		if rt, ok := dg.srv.documentByPath(name); ok {
			rt.Unsubscribe(conn, dg.srv.registry)
		}
	}

	dg.srv.registry.Unregister(conn, dg.group)
	dg.group.RemoveMember(conn)
}

func (dg *directoryGroup) sendTo(conn *Conn, elems ...wire.Element) error {
	data, err := wire.EncodeElements(elems...)
	if err != nil {
		return err
	}
	return dg.srv.registry.Send(conn, dg.group, data)
}

func (dg *directoryGroup) broadcast(elems ...wire.Element) {
	data, err := wire.EncodeElements(elems...)
	if err != nil {
		logger.Error("directory group: encoding push: %v", err)
		return
	}
	for _, m := range dg.group.Members() {
		if err := dg.srv.registry.Send(m, dg.group, data); err != nil {
			logger.Error("directory group: pushing to connection %d: %v", m.ID(), err)
		}
	}
}

// NodeAdded implements directory.Listener.
func (dg *directoryGroup) NodeAdded(parent *directory.Node, n *directory.Node) {
	dg.broadcast(&wire.AddNode{ID: n.ID, Parent: parent.ID, Name: n.Name, Kind: kindTag(n.Kind)})
}

// NodeRemoved implements directory.Listener.
func (dg *directoryGroup) NodeRemoved(parent *directory.Node, n *directory.Node) {
	dg.broadcast(&wire.RemoveNode{ID: n.ID})
}

// NodeRenamed implements directory.Listener.
func (dg *directoryGroup) NodeRenamed(n *directory.Node, oldName string) {
	dg.broadcast(&wire.RenameNode{ID: n.ID, Name: n.Name})
}

func kindTag(k directory.Kind) string {
	if k == directory.Subdirectory {
		return "subdirectory"
	}
	return "document"
}

func (dg *directoryGroup) receive(conn communication.Connection, xml []byte) {
	c, ok := conn.(*Conn)
	if !ok {
		return
	}
	elems, err := decodeGroupXML(xml)
	if err != nil {
		logger.Error("directory group: decoding message from connection %d: %v", c.ID(), err)
		return
	}
	for _, el := range elems {
		if err := dg.handle(c, el); err != nil {
			logger.Error("directory group: handling %q from connection %d: %v", el.TagName(), c.ID(), err)
		}
	}
}

func (dg *directoryGroup) account(conn *Conn) string {
	if conn.Account() != "" {
		return conn.Account()
	}
	return acl.DefaultAccount
}

func (dg *directoryGroup) checkPermission(conn *Conn, node *directory.Node, perm acl.Permission) error {
	ok, err := acl.Effective(node, dg.account(conn), perm)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("connection %d lacks permission on node %d", conn.ID(), node.ID)
	}
	return nil
}

func (dg *directoryGroup) handle(conn *Conn, el wire.Element) error {
	switch e := el.(type) {
	case *wire.ExploreNode:
		return dg.handleExplore(conn, e)
	case *wire.AddNode:
		return dg.handleAddNode(conn, e)
	case *wire.RemoveNode:
		return dg.handleRemoveNode(conn, e)
	case *wire.RenameNode:
		return dg.handleRenameNode(conn, e)
	case *wire.SubscribeSession:
		return dg.handleSubscribeSession(conn, e)
	case *wire.SubscribeChat:
		return dg.handleSubscribeChat(conn)
	case *wire.QueryAcl:
		return dg.handleQueryAcl(conn, e)
	default:
		return fmt.Errorf("tag %q not handled by the directory group", el.TagName())
	}
}

func (dg *directoryGroup) handleExplore(conn *Conn, e *wire.ExploreNode) error {
	node, ok := dg.srv.directory.Lookup(e.ID)
	if !ok {
		return fmt.Errorf("node %d not found", e.ID)
	}
	if err := dg.checkPermission(conn, node, acl.CanExploreNode); err != nil {
		return err
	}

	children, err := dg.srv.directory.Explore(node)
	if err != nil {
		return err
	}

	elems := make([]wire.Element, 0, len(children)+2)
	elems = append(elems, &wire.ExploreBegin{Total: len(children)})
	for _, c := range children {
		elems = append(elems, &wire.AddNode{ID: c.ID, Parent: node.ID, Name: c.Name, Kind: kindTag(c.Kind)})
	}
	elems = append(elems, &wire.ExploreEnd{})
	return dg.sendTo(conn, elems...)
}

func (dg *directoryGroup) handleAddNode(conn *Conn, e *wire.AddNode) error {
	parent, ok := dg.srv.directory.Lookup(e.Parent)
	if !ok {
		return fmt.Errorf("parent node %d not found", e.Parent)
	}

	var perm acl.Permission
	if e.Kind == "subdirectory" {
		perm = acl.CanAddSubdirectory
	} else {
		perm = acl.CanAddDocument
	}
	if err := dg.checkPermission(conn, parent, perm); err != nil {
		return err
	}

	if e.Kind == "subdirectory" {
		_, err := dg.srv.directory.AddSubdirectory(parent, e.Name)
		return err
	}
	_, err := dg.srv.directory.AddDocument(parent, e.Name, DocTypeText, nil)
	return err
}

func (dg *directoryGroup) handleRemoveNode(conn *Conn, e *wire.RemoveNode) error {
	node, ok := dg.srv.directory.Lookup(e.ID)
	if !ok {
		return fmt.Errorf("node %d not found", e.ID)
	}
	if err := dg.checkPermission(conn, node, acl.CanRemoveNode); err != nil {
		return err
	}
	return dg.srv.directory.Remove(node)
}

func (dg *directoryGroup) handleRenameNode(conn *Conn, e *wire.RenameNode) error {
	node, ok := dg.srv.directory.Lookup(e.ID)
	if !ok {
		return fmt.Errorf("node %d not found", e.ID)
	}
	if err := dg.checkPermission(conn, node, acl.CanRemoveNode); err != nil {
		return err
	}
	return dg.srv.directory.RenameNode(node, e.Name)
}

func (dg *directoryGroup) handleSubscribeSession(conn *Conn, e *wire.SubscribeSession) error {
	node, ok := dg.srv.directory.Lookup(e.ID)
	if !ok {
		return fmt.Errorf("node %d not found", e.ID)
	}
	if err := dg.checkPermission(conn, node, acl.CanSubscribeSession); err != nil {
		return err
	}

	rt, err := dg.srv.wakeAndRegisterDocument(node)
	if err != nil {
		return err
	}
	if err := dg.sendTo(conn, &wire.SubscribeAck{}); err != nil {
		return err
	}
	return rt.Subscribe(conn, dg.srv.registry)
}

func (dg *directoryGroup) handleSubscribeChat(conn *Conn) error {
	node, ok := dg.srv.directory.Lookup(0)
	if !ok {
		return fmt.Errorf("root node missing")
	}
	if err := dg.checkPermission(conn, node, acl.CanSubscribeChat); err != nil {
		return err
	}

	rt, err := dg.srv.wakeAndRegisterChat()
	if err != nil {
		return err
	}
	if err := dg.sendTo(conn, &wire.SubscribeAck{}); err != nil {
		return err
	}
	return rt.Subscribe(conn, dg.srv.registry)
}

func (dg *directoryGroup) handleQueryAcl(conn *Conn, e *wire.QueryAcl) error {
	node, ok := dg.srv.directory.Lookup(e.Node)
	if !ok {
		return fmt.Errorf("node %d not found", e.Node)
	}
	if err := dg.checkPermission(conn, node, acl.CanQueryAcl); err != nil {
		return err
	}

	sheets := node.ACLSheets()
	out := make([]wire.AclSheet, 0, len(sheets))
	for _, s := range sheets {
		out = append(out, wire.AclSheet{Account: s.Account, Mask: s.Mask.Hex(), Perms: s.Perms.Hex()})
	}
	return dg.sendTo(conn, &wire.SetAcl{Node: e.Node, Sheets: out})
}
