// Package wire implements the XML wire protocol of spec.md §6: every
// message travels inside a `<group name="G" publisher="P|me|you">` envelope,
// and group contents are one of a fixed set of tags per object kind
// (directory, session, text session, chat session). In place of the
// teacher's JSON tagged-union (internal/protocol.ClientMsg/ServerMsg, one
// pointer field set per message), elements are decoded by a streaming
// encoding/xml token reader dispatching on tag name — the pull-parser style
// spec.md §9 calls for instead of DOM handling.
package wire

import (
	"encoding/xml"
	"fmt"
	"io"

	"github.com/infinoted/infinote/pkg/infinoerr"
)

// Group is the envelope every wire message travels in.
type Group struct {
	XMLName   xml.Name `xml:"group"`
	Name      string   `xml:"name,attr"`
	Publisher string   `xml:"publisher,attr"` // "me", "you", or a literal id
	Inner     []byte   `xml:",innerxml"`
}

// Element is any decodable group payload. TagName reports the local XML
// element name used to register and re-encode it.
type Element interface {
	TagName() string
}

// --- Session tags (spec.md §6 "Session (all)") ---

type SyncBegin struct {
	XMLName xml.Name `xml:"sync-begin"`
	Num     int      `xml:"n,attr"`
}

func (SyncBegin) TagName() string { return "sync-begin" }

type SyncUser struct {
	XMLName xml.Name `xml:"sync-user"`
	ID      uint32   `xml:"id,attr"`
	Name    string   `xml:"name,attr"`
	Status  string   `xml:"status,attr"`
	Hue     *int     `xml:"hue,attr,omitempty"`
}

func (SyncUser) TagName() string { return "sync-user" }

type SyncEnd struct {
	XMLName xml.Name `xml:"sync-end"`
}

func (SyncEnd) TagName() string { return "sync-end" }

type SyncAck struct {
	XMLName xml.Name `xml:"sync-ack"`
}

func (SyncAck) TagName() string { return "sync-ack" }

type SyncCancel struct {
	XMLName xml.Name `xml:"sync-cancel"`
}

func (SyncCancel) TagName() string { return "sync-cancel" }

type UserJoin struct {
	XMLName xml.Name `xml:"user-join"`
	Name    string   `xml:"name,attr"`
	Hue     *int     `xml:"hue,attr,omitempty"`
}

func (UserJoin) TagName() string { return "user-join" }

type UserRejoin struct {
	XMLName xml.Name `xml:"user-rejoin"`
	ID      uint32   `xml:"id,attr"`
	Name    string   `xml:"name,attr"`
}

func (UserRejoin) TagName() string { return "user-rejoin" }

type UserLeave struct {
	XMLName xml.Name `xml:"user-leave"`
	ID      uint32   `xml:"id,attr"`
}

func (UserLeave) TagName() string { return "user-leave" }

type UserStatusChange struct {
	XMLName xml.Name `xml:"user-status-change"`
	ID      uint32   `xml:"id,attr"`
	Status  string   `xml:"status,attr"`
}

func (UserStatusChange) TagName() string { return "user-status-change" }

type SessionUnsubscribe struct {
	XMLName xml.Name `xml:"session-unsubscribe"`
}

func (SessionUnsubscribe) TagName() string { return "session-unsubscribe" }

type SessionClose struct {
	XMLName xml.Name `xml:"session-close"`
}

func (SessionClose) TagName() string { return "session-close" }

type RequestFailed struct {
	XMLName xml.Name `xml:"request-failed"`
	Domain  string   `xml:"domain,attr"`
	Code    int      `xml:"code,attr"`
}

func (RequestFailed) TagName() string { return "request-failed" }

// --- Text session tags (spec.md §6 "Text session") ---

type SyncSegment struct {
	XMLName xml.Name `xml:"sync-segment"`
	Author  int32    `xml:"author,attr"`
	Text    string   `xml:",chardata"`
}

func (SyncSegment) TagName() string { return "sync-segment" }

type SyncRequest struct {
	XMLName xml.Name `xml:"sync-request"`
	User    uint32   `xml:"user,attr"`
	Time    string   `xml:"time,attr"`
}

func (SyncRequest) TagName() string { return "sync-request" }

// Request carries a text Do/Undo/Redo: exactly one of Insert/Delete/Undo/
// Redo is non-nil, matching spec.md §6's `request` containing `insert` /
// `delete` / `undo` / `redo`.
type Request struct {
	XMLName xml.Name     `xml:"request"`
	User    uint32       `xml:"user,attr"`
	Time    string       `xml:"time,attr"`
	Insert  *InsertOp    `xml:"insert"`
	Delete  *DeleteOp    `xml:"delete"`
	Undo    *UndoOp      `xml:"undo"`
	Redo    *RedoOp      `xml:"redo"`
}

func (Request) TagName() string { return "request" }

type InsertOp struct {
	Position int    `xml:"pos,attr"`
	Text     string `xml:",chardata"`
}

type DeleteOp struct {
	Position int `xml:"pos,attr"`
	Length   int `xml:"len,attr"`
}

type UndoOp struct{}

type RedoOp struct{}

type UserColorChange struct {
	XMLName xml.Name `xml:"user-color-change"`
	User    uint32   `xml:"user,attr"`
	Hue     int      `xml:"hue,attr"`
}

func (UserColorChange) TagName() string { return "user-color-change" }

// --- Chat session tags (spec.md §6 "Chat session") ---

type SyncMessage struct {
	XMLName xml.Name `xml:"sync-message"`
	User    uint32   `xml:"user,attr"`
	Time    string   `xml:"time,attr"`
	Type    string   `xml:"type,attr"`
	Text    string   `xml:",chardata"`
}

func (SyncMessage) TagName() string { return "sync-message" }

type Message struct {
	XMLName xml.Name `xml:"message"`
	Type    string   `xml:"type,attr"` // "normal" or "emote"
	Text    string   `xml:",chardata"`
}

func (Message) TagName() string { return "message" }

// --- Directory tags (spec.md §6 "Directory") ---

type ExploreNode struct {
	XMLName xml.Name `xml:"explore-node"`
	ID      uint32   `xml:"id,attr"`
}

func (ExploreNode) TagName() string { return "explore-node" }

type ExploreBegin struct {
	XMLName xml.Name `xml:"explore-begin"`
	Total   int      `xml:"total,attr"`
}

func (ExploreBegin) TagName() string { return "explore-begin" }

type ExploreEnd struct {
	XMLName xml.Name `xml:"explore-end"`
}

func (ExploreEnd) TagName() string { return "explore-end" }

type AddNode struct {
	XMLName xml.Name `xml:"add-node"`
	ID      uint32   `xml:"id,attr"`
	Parent  uint32   `xml:"parent,attr"`
	Name    string   `xml:"name,attr"`
	Kind    string   `xml:"type,attr"` // "subdirectory" or "document"
}

func (AddNode) TagName() string { return "add-node" }

type RemoveNode struct {
	XMLName xml.Name `xml:"remove-node"`
	ID      uint32   `xml:"id,attr"`
}

func (RemoveNode) TagName() string { return "remove-node" }

type RenameNode struct {
	XMLName xml.Name `xml:"rename-node"`
	ID      uint32   `xml:"id,attr"`
	Name    string   `xml:"name,attr"`
}

func (RenameNode) TagName() string { return "rename-node" }

type SubscribeSession struct {
	XMLName xml.Name `xml:"subscribe-session"`
	ID      uint32   `xml:"id,attr"`
	Group   string   `xml:"group,attr"`
	Method  string   `xml:"method,attr"`
}

func (SubscribeSession) TagName() string { return "subscribe-session" }

type SubscribeChat struct {
	XMLName xml.Name `xml:"subscribe-chat"`
}

func (SubscribeChat) TagName() string { return "subscribe-chat" }

type SubscribeAck struct {
	XMLName xml.Name `xml:"subscribe-ack"`
}

func (SubscribeAck) TagName() string { return "subscribe-ack" }

type SessionSubscribeNack struct {
	XMLName xml.Name `xml:"session-subscribe-nack"`
	Domain  string   `xml:"domain,attr"`
	Code    int      `xml:"code,attr"`
}

func (SessionSubscribeNack) TagName() string { return "session-subscribe-nack" }

type QueryAclAccountList struct {
	XMLName xml.Name `xml:"query-acl-account-list"`
}

func (QueryAclAccountList) TagName() string { return "query-acl-account-list" }

type AclAccountListBegin struct {
	XMLName xml.Name `xml:"acl-account-list-begin"`
	Total   int      `xml:"total,attr"`
}

func (AclAccountListBegin) TagName() string { return "acl-account-list-begin" }

type AclAccountListEnd struct {
	XMLName xml.Name `xml:"acl-account-list-end"`
}

func (AclAccountListEnd) TagName() string { return "acl-account-list-end" }

type AddAclAccount struct {
	XMLName xml.Name `xml:"add-acl-account"`
	ID      string   `xml:"id,attr"`
	Name    string   `xml:"name,attr"`
}

func (AddAclAccount) TagName() string { return "add-acl-account" }

type RemoveAclAccount struct {
	XMLName xml.Name `xml:"remove-acl-account"`
	ID      string   `xml:"id,attr"`
}

func (RemoveAclAccount) TagName() string { return "remove-acl-account" }

type LookupAclAccounts struct {
	XMLName xml.Name `xml:"lookup-acl-accounts"`
	IDs     []string `xml:"account>id"`
}

func (LookupAclAccounts) TagName() string { return "lookup-acl-accounts" }

type AclAccounts struct {
	XMLName  xml.Name `xml:"acl-accounts"`
	Accounts []AddAclAccount `xml:"account"`
}

func (AclAccounts) TagName() string { return "acl-accounts" }

type CreateAclAccount struct {
	XMLName xml.Name `xml:"create-acl-account"`
	Name    string   `xml:"name,attr"`
}

func (CreateAclAccount) TagName() string { return "create-acl-account" }

type SetAcl struct {
	XMLName xml.Name   `xml:"set-acl"`
	Node    uint32     `xml:"node,attr"`
	Sheets  []AclSheet `xml:"sheet"`
}

func (SetAcl) TagName() string { return "set-acl" }

// AclSheet is the wire form of one account's explicit mask/perms pair at a
// node (spec.md §3 "ACL sheet"), carried as a hex-encoded 128-bit value.
type AclSheet struct {
	Account string `xml:"account,attr"`
	Mask    string `xml:"mask,attr"`
	Perms   string `xml:"perms,attr"`
}

type QueryAcl struct {
	XMLName xml.Name `xml:"query-acl"`
	Node    uint32   `xml:"node,attr"`
}

func (QueryAcl) TagName() string { return "query-acl" }

type Welcome struct {
	XMLName   xml.Name `xml:"welcome"`
	Version   string   `xml:"version,attr"`
	SequenceID uint32  `xml:"sequence-id,attr"`
}

func (Welcome) TagName() string { return "welcome" }

// registry maps a tag's local name to a constructor returning a fresh
// pointer the decoder can unmarshal into.
var registry = map[string]func() Element{
	"sync-begin":               func() Element { return &SyncBegin{} },
	"sync-user":                func() Element { return &SyncUser{} },
	"sync-end":                 func() Element { return &SyncEnd{} },
	"sync-ack":                 func() Element { return &SyncAck{} },
	"sync-cancel":              func() Element { return &SyncCancel{} },
	"user-join":                func() Element { return &UserJoin{} },
	"user-rejoin":              func() Element { return &UserRejoin{} },
	"user-leave":               func() Element { return &UserLeave{} },
	"user-status-change":       func() Element { return &UserStatusChange{} },
	"session-unsubscribe":      func() Element { return &SessionUnsubscribe{} },
	"session-close":            func() Element { return &SessionClose{} },
	"request-failed":           func() Element { return &RequestFailed{} },
	"sync-segment":             func() Element { return &SyncSegment{} },
	"sync-request":             func() Element { return &SyncRequest{} },
	"request":                  func() Element { return &Request{} },
	"user-color-change":        func() Element { return &UserColorChange{} },
	"sync-message":             func() Element { return &SyncMessage{} },
	"message":                  func() Element { return &Message{} },
	"explore-node":             func() Element { return &ExploreNode{} },
	"explore-begin":            func() Element { return &ExploreBegin{} },
	"explore-end":              func() Element { return &ExploreEnd{} },
	"add-node":                 func() Element { return &AddNode{} },
	"remove-node":              func() Element { return &RemoveNode{} },
	"rename-node":               func() Element { return &RenameNode{} },
	"subscribe-session":        func() Element { return &SubscribeSession{} },
	"subscribe-chat":           func() Element { return &SubscribeChat{} },
	"subscribe-ack":            func() Element { return &SubscribeAck{} },
	"session-subscribe-nack":   func() Element { return &SessionSubscribeNack{} },
	"query-acl-account-list":   func() Element { return &QueryAclAccountList{} },
	"acl-account-list-begin":   func() Element { return &AclAccountListBegin{} },
	"acl-account-list-end":     func() Element { return &AclAccountListEnd{} },
	"add-acl-account":          func() Element { return &AddAclAccount{} },
	"remove-acl-account":       func() Element { return &RemoveAclAccount{} },
	"lookup-acl-accounts":      func() Element { return &LookupAclAccounts{} },
	"acl-accounts":             func() Element { return &AclAccounts{} },
	"create-acl-account":       func() Element { return &CreateAclAccount{} },
	"set-acl":                  func() Element { return &SetAcl{} },
	"query-acl":                func() Element { return &QueryAcl{} },
	"welcome":                  func() Element { return &Welcome{} },
}

// Decoder streams Elements off an underlying XML token source, one
// top-level group child at a time, instead of parsing a whole DOM per
// message (spec.md §9).
type Decoder struct {
	xd *xml.Decoder
}

// NewDecoder wraps r as a streaming element source.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{xd: xml.NewDecoder(r)}
}

// DecodeGroup reads the next `<group>` envelope and every registered child
// element inside it, in order. Unrecognized tags yield
// infinoerr.ErrUnexpectedMessage (spec.md §4.6 "Unknown tags fail with
// UnexpectedMessage").
func (d *Decoder) DecodeGroup() (name, publisher string, elems []Element, err error) {
	for {
		tok, terr := d.xd.Token()
		if terr != nil {
			return "", "", nil, terr
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "group" {
			continue
		}
		name, publisher = attrVal(start, "name"), attrVal(start, "publisher")
		break
	}

	for {
		tok, terr := d.xd.Token()
		if terr != nil {
			return "", "", nil, terr
		}
		switch t := tok.(type) {
		case xml.StartElement:
			ctor, ok := registry[t.Name.Local]
			if !ok {
				return "", "", nil, fmt.Errorf("tag %q: %w", t.Name.Local, infinoerr.ErrUnexpectedMessage)
			}
			el := ctor()
			if derr := d.xd.DecodeElement(el, &t); derr != nil {
				return "", "", nil, fmt.Errorf("decoding %q: %w", t.Name.Local, infinoerr.ErrMalformedXML)
			}
			elems = append(elems, el)
		case xml.EndElement:
			if t.Name.Local == "group" {
				return name, publisher, elems, nil
			}
		}
	}
}

func attrVal(start xml.StartElement, name string) string {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// EncodeGroup serializes elems wrapped in a `<group>` envelope addressed to
// name/publisher ("me"/"you" shorthand per spec.md §4.10 is the caller's
// responsibility to pass in).
func EncodeGroup(name, publisher string, elems ...Element) ([]byte, error) {
	var buf []byte
	buf = append(buf, fmt.Sprintf(`<group name=%q publisher=%q>`, name, publisher)...)
	for _, el := range elems {
		b, err := xml.Marshal(el)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", el.TagName(), err)
		}
		buf = append(buf, b...)
	}
	buf = append(buf, "</group>"...)
	return buf, nil
}

// EncodeElements marshals elems back to back with no enclosing envelope,
// for contexts that need the same registered-tag vocabulary as the group
// protocol but are not themselves a network message (pkg/storage's
// to-xml-sync document persistence, spec.md §6).
func EncodeElements(elems ...Element) ([]byte, error) {
	var buf []byte
	for _, el := range elems {
		b, err := xml.Marshal(el)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", el.TagName(), err)
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// DecodeElements reads every registered top-level element from r until
// EOF, the from-xml-sync counterpart to EncodeElements.
func DecodeElements(r io.Reader) ([]Element, error) {
	xd := xml.NewDecoder(r)
	var elems []Element
	for {
		tok, err := xd.Token()
		if err == io.EOF {
			return elems, nil
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		ctor, ok := registry[start.Name.Local]
		if !ok {
			return nil, fmt.Errorf("tag %q: %w", start.Name.Local, infinoerr.ErrUnexpectedMessage)
		}
		el := ctor()
		if err := xd.DecodeElement(el, &start); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", start.Name.Local, infinoerr.ErrMalformedXML)
		}
		elems = append(elems, el)
	}
}
