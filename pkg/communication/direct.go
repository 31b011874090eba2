package communication

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/infinoted/infinote/pkg/infinoerr"
)

// DirectMethod is the optional peer-to-peer method spec.md §4.10 allows
// alongside the mandatory central method: members exchange messages
// directly over a WebRTC data channel instead of relaying through the
// publisher, once a channel has been negotiated and attached per member
// connection ID.
type DirectMethod struct {
	mu       sync.Mutex
	channels map[uint64]*webrtc.DataChannel
}

// NewDirectMethod returns a method with no channels attached yet.
func NewDirectMethod() *DirectMethod {
	return &DirectMethod{channels: make(map[uint64]*webrtc.DataChannel)}
}

// AttachChannel registers the data channel a direct connection to connID
// should use once it has completed signaling and is open.
func (d *DirectMethod) AttachChannel(connID uint64, ch *webrtc.DataChannel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[connID] = ch
}

// DetachChannel drops connID's channel, e.g. on disconnect.
func (d *DirectMethod) DetachChannel(connID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.channels, connID)
}

// Received implements Method: direct messages are delivered straight to
// the group's consumer, with no relay (every member already has a direct
// channel to every other member).
func (d *DirectMethod) Received(reg *Registry, g *Group, conn Connection, xml []byte) {
	g.deliver(conn, xml)
}

// Sent implements Method.
func (d *DirectMethod) Sent(*Group, Connection, []byte) {}

// Enqueued implements Method.
func (d *DirectMethod) Enqueued(*Group, Connection, []byte) {}

// SendDirect pushes xml straight over connID's data channel, bypassing the
// registry's relay-via-publisher path entirely. Returns ErrConnectionLost
// if no channel is attached or it is not open.
func (d *DirectMethod) SendDirect(connID uint64, xml []byte) error {
	d.mu.Lock()
	ch, ok := d.channels[connID]
	d.mu.Unlock()
	if !ok || ch.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("no open direct channel to connection %d: %w", connID, infinoerr.ErrConnectionLost)
	}
	if err := ch.Send(xml); err != nil {
		return fmt.Errorf("sending over direct channel to connection %d: %w", connID, infinoerr.ErrConnectionLost)
	}
	return nil
}
