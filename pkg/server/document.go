package server

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/infinoted/infinote/pkg/chatsession"
	"github.com/infinoted/infinote/pkg/communication"
	"github.com/infinoted/infinote/pkg/directory"
	"github.com/infinoted/infinote/pkg/logger"
	"github.com/infinoted/infinote/pkg/session"
	"github.com/infinoted/infinote/pkg/storage"
	"github.com/infinoted/infinote/pkg/textsession"
	"github.com/infinoted/infinote/pkg/wire"
)

// DocType names recognized by the document directory's persisted layout
// (spec.md §4.1's "InfText"/"InfChat" session types, lower-cased for the
// filesystem storage tag).
const (
	DocTypeText = "text"
	DocTypeChat = "chat"
)

// localConn is a dummy session.Connection used only to drive a session's
// own synchronize_from machinery when preloading it from storage, never
// from the network. It accepts elements silently since nothing needs to
// be pushed back to storage during a load.
type localConn struct{ id uint64 }

func (localConn) Open() bool                        { return true }
func (l localConn) ID() uint64                       { return l.id }
func (localConn) SendElements(elems ...wire.Element) {}

// documentRuntime is one running or dormant document's full runtime: its
// generic session.Session, the document-type handler plugged into it, the
// communication group carrying its traffic, and enough bookkeeping to
// satisfy directory.SessionProxy.
type documentRuntime struct {
	node  *directory.Node
	path  string
	group *communication.Group

	sess *session.Session

	dirty atomic.Bool // set on any mutation since the last autosave

	mu      sync.Mutex
	members map[uint64]*groupConn
}

// wakeDocument constructs and starts a documentRuntime for node, loading
// persisted content from store if any exists, then creating its
// communication group with the node's path as the group name (spec.md
// §4.10's group-per-document-identifier convention). Each connection is
// registered with registry for that group in Subscribe.
func wakeDocument(node *directory.Node, path string, store *storage.Filesystem, registry *communication.Registry) (*documentRuntime, error) {
	var handler session.Handler
	switch node.DocType {
	case DocTypeText:
		handler = textsession.New()
	case DocTypeChat:
		handler = chatsession.New()
	default:
		return nil, fmt.Errorf("node %d: unknown document type %q", node.ID, node.DocType)
	}

	sess := session.New(handler)
	go sess.Run()

	docType, elems, err := store.LoadDocument(path)
	if err != nil {
		logger.Info("document %s: no persisted content, starting empty: %v", path, err)
		elems = nil
	} else if docType != node.DocType {
		logger.Info("document %s: persisted type %q does not match node type %q", path, docType, node.DocType)
	}

	loader := localConn{id: 0}
	sess.SynchronizeFrom(loader)
	for _, el := range elems {
		if err := sess.ReceiveSyncElement(loader, el); err != nil {
			return nil, fmt.Errorf("loading document %s: %w", path, err)
		}
	}
	if err := sess.FinishSynchronizeFrom(loader, len(elems), len(elems)); err != nil {
		return nil, fmt.Errorf("loading document %s: %w", path, err)
	}

	group := communication.NewGroup(path, "INFINOTE", true)
	rt := &documentRuntime{
		node:    node,
		path:    path,
		group:   group,
		sess:    sess,
		members: make(map[uint64]*groupConn),
	}
	group.SetConsumer(func(conn communication.Connection, xml []byte) {
		rt.receive(conn, registry, xml)
	})
	return rt, nil
}

// IsRunning implements directory.SessionProxy.
func (rt *documentRuntime) IsRunning() bool {
	return rt.sess.Status() != session.Closed
}

// Close implements directory.SessionProxy.
func (rt *documentRuntime) Close() {
	rt.sess.Close()
}

// Subscribe admits conn to the document's group and session, then streams
// the full current state to it.
func (rt *documentRuntime) Subscribe(conn *Conn, registry *communication.Registry) error {
	gc := newGroupConn(conn, rt.group, registry)

	if err := registry.Register(conn, rt.group, communication.CentralMethod{}); err != nil {
		return err
	}
	rt.group.AddMember(conn)
	conn.JoinedGroup(rt.group.Name)

	if err := rt.sess.Subscribe(gc); err != nil {
		return err
	}

	rt.mu.Lock()
	rt.members[conn.ID()] = gc
	rt.mu.Unlock()

	rt.sess.SynchronizeTo(gc)
	return nil
}

// Unsubscribe removes conn from the document's group and session.
func (rt *documentRuntime) Unsubscribe(conn *Conn, registry *communication.Registry) {
	rt.mu.Lock()
	gc, ok := rt.members[conn.ID()]
	delete(rt.members, conn.ID())
	rt.mu.Unlock()
	if !ok {
		return
	}

	rt.sess.Unsubscribe(gc)
	registry.Unregister(conn, rt.group)
	rt.group.RemoveMember(conn)
	conn.LeftGroup(rt.group.Name)
}

func (rt *documentRuntime) receive(conn communication.Connection, registry *communication.Registry, xml []byte) {
	elems, err := decodeGroupXML(xml)
	if err != nil {
		logger.Error("document %s: decoding message from connection %d: %v", rt.path, conn.ID(), err)
		return
	}

	rt.mu.Lock()
	gc, ok := rt.members[conn.ID()]
	rt.mu.Unlock()
	if !ok {
		return
	}

	for _, el := range elems {
		if err := rt.sess.Dispatch(gc, el); err != nil {
			logger.Error("document %s: dispatching %q from connection %d: %v", rt.path, el.TagName(), conn.ID(), err)
			continue
		}
		rt.dirty.Store(true)
	}
}

// Autosave persists the document's current content if it has changed
// since the last call, clearing the dirty flag on success.
func (rt *documentRuntime) Autosave(store *storage.Filesystem) error {
	if !rt.dirty.Load() {
		return nil
	}
	if err := store.SaveDocument(rt.path, rt.node.DocType, rt.sess.Payload()); err != nil {
		return err
	}
	rt.dirty.Store(false)
	return nil
}
