package server

import (
	"bytes"

	"github.com/infinoted/infinote/pkg/communication"
	"github.com/infinoted/infinote/pkg/logger"
	"github.com/infinoted/infinote/pkg/session"
	"github.com/infinoted/infinote/pkg/wire"
)

// groupConn adapts one (Conn, communication.Group) pair to
// session.Connection: a session only knows how to push wire.Elements, the
// registry only knows how to relay opaque XML bytes addressed to a named
// group, so SendElements bridges the two exactly where EncodeElements (no
// group envelope; the registry's own wrap adds that) hands off to
// Registry.Send.
type groupConn struct {
	conn     *Conn
	group    *communication.Group
	registry *communication.Registry
}

func newGroupConn(conn *Conn, group *communication.Group, registry *communication.Registry) *groupConn {
	return &groupConn{conn: conn, group: group, registry: registry}
}

// ID implements session.Connection.
func (g *groupConn) ID() uint64 { return g.conn.ID() }

// Open implements session.Connection.
func (g *groupConn) Open() bool { return g.conn.Open() }

// SendElements implements session.Connection.
func (g *groupConn) SendElements(elems ...wire.Element) {
	if len(elems) == 0 {
		return
	}
	data, err := wire.EncodeElements(elems...)
	if err != nil {
		logger.Error("group %s: encoding elements for connection %d: %v", g.group.Name, g.conn.ID(), err)
		return
	}
	if err := g.registry.Send(g.conn, g.group, data); err != nil {
		logger.Error("group %s: sending to connection %d: %v", g.group.Name, g.conn.ID(), err)
	}
}

// decodeGroupXML turns one delivered group payload back into the ordered
// elements it carries, the inverse of SendElements' EncodeElements.
func decodeGroupXML(xml []byte) ([]wire.Element, error) {
	return wire.DecodeElements(bytes.NewReader(xml))
}
