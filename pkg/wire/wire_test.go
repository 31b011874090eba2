package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/infinoted/infinote/pkg/infinoerr"
)

func TestDecodeGroupRequest(t *testing.T) {
	src := `<group name="doc/1" publisher="me">` +
		`<request user="3" time="1@0 2@0"><insert pos="0">hi</insert></request>` +
		`</group>`

	d := NewDecoder(strings.NewReader(src))
	name, publisher, elems, err := d.DecodeGroup()
	if err != nil {
		t.Fatalf("DecodeGroup: %v", err)
	}
	if name != "doc/1" || publisher != "me" {
		t.Fatalf("name/publisher = %q/%q", name, publisher)
	}
	if len(elems) != 1 {
		t.Fatalf("expected 1 element, got %d", len(elems))
	}
	req, ok := elems[0].(*Request)
	if !ok {
		t.Fatalf("expected *Request, got %T", elems[0])
	}
	if req.User != 3 || req.Time != "1@0 2@0" {
		t.Fatalf("unexpected request attrs: %+v", req)
	}
	if req.Insert == nil || req.Insert.Position != 0 || req.Insert.Text != "hi" {
		t.Fatalf("unexpected insert payload: %+v", req.Insert)
	}
	if req.Delete != nil || req.Undo != nil || req.Redo != nil {
		t.Fatalf("expected only Insert set, got %+v", req)
	}
}

func TestDecodeGroupMultipleElements(t *testing.T) {
	src := `<group name="d" publisher="you">` +
		`<sync-begin n="2"/>` +
		`<sync-user id="1" name="alice" status="active"/>` +
		`<sync-end/>` +
		`</group>`

	d := NewDecoder(strings.NewReader(src))
	_, _, elems, err := d.DecodeGroup()
	if err != nil {
		t.Fatalf("DecodeGroup: %v", err)
	}
	if len(elems) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(elems))
	}
	if _, ok := elems[0].(*SyncBegin); !ok {
		t.Fatalf("elem 0 = %T, want *SyncBegin", elems[0])
	}
	su, ok := elems[1].(*SyncUser)
	if !ok {
		t.Fatalf("elem 1 = %T, want *SyncUser", elems[1])
	}
	if su.ID != 1 || su.Name != "alice" || su.Status != "active" {
		t.Fatalf("unexpected sync-user: %+v", su)
	}
	if _, ok := elems[2].(*SyncEnd); !ok {
		t.Fatalf("elem 2 = %T, want *SyncEnd", elems[2])
	}
}

func TestDecodeGroupUnknownTag(t *testing.T) {
	src := `<group name="d" publisher="me"><bogus-tag/></group>`
	d := NewDecoder(strings.NewReader(src))
	_, _, _, err := d.DecodeGroup()
	if err == nil || !errors.Is(err, infinoerr.ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage, got %v", err)
	}
}

func TestEncodeGroupRoundTrip(t *testing.T) {
	b, err := EncodeGroup("doc/1", "me", &UserLeave{ID: 7})
	if err != nil {
		t.Fatalf("EncodeGroup: %v", err)
	}
	if !bytes.Contains(b, []byte(`name="doc/1"`)) || !bytes.Contains(b, []byte(`publisher="me"`)) {
		t.Fatalf("missing envelope attrs: %s", b)
	}

	d := NewDecoder(bytes.NewReader(b))
	name, publisher, elems, err := d.DecodeGroup()
	if err != nil {
		t.Fatalf("re-decoding encoded group: %v", err)
	}
	if name != "doc/1" || publisher != "me" {
		t.Fatalf("round-trip name/publisher mismatch: %q/%q", name, publisher)
	}
	if len(elems) != 1 {
		t.Fatalf("expected 1 element, got %d", len(elems))
	}
	ul, ok := elems[0].(*UserLeave)
	if !ok || ul.ID != 7 {
		t.Fatalf("round-trip element mismatch: %+v", elems[0])
	}
}
