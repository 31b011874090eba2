package chatsession

import (
	"bytes"
	"strings"
	"testing"

	"github.com/infinoted/infinote/pkg/session"
	"github.com/infinoted/infinote/pkg/wire"
)

func TestHandleMessageAppendsToBacklogAndSyncPayload(t *testing.T) {
	s := New()
	from := &session.User{ID: 1, Name: "ana"}

	handled, err := s.HandleMessage(nil, from, &wire.Message{Type: "normal", Text: "hi"})
	if !handled || err != nil {
		t.Fatalf("HandleMessage: handled=%v err=%v", handled, err)
	}

	payload := s.SyncPayload()
	if len(payload) != 1 {
		t.Fatalf("expected 1 backlog entry, got %d", len(payload))
	}
	sm, ok := payload[0].(*wire.SyncMessage)
	if !ok || sm.Text != "hi" || sm.User != 1 || sm.Type != "normal" {
		t.Fatalf("unexpected sync-message: %#v", payload[0])
	}
}

func TestBacklogBoundedByLimit(t *testing.T) {
	s := NewWithBacklog(3)
	from := &session.User{ID: 1, Name: "ana"}
	for i := 0; i < 5; i++ {
		if _, err := s.HandleMessage(nil, from, &wire.Message{Type: "normal", Text: "msg"}); err != nil {
			t.Fatalf("HandleMessage %d: %v", i, err)
		}
	}
	if got := len(s.SyncPayload()); got != 3 {
		t.Fatalf("expected backlog bounded to 3, got %d", got)
	}
}

func TestRejectsUnknownMessageType(t *testing.T) {
	s := New()
	from := &session.User{ID: 1, Name: "ana"}
	_, err := s.HandleMessage(nil, from, &wire.Message{Type: "shout", Text: "hi"})
	if err == nil {
		t.Fatal("expected an error for an unknown message type")
	}
}

func TestNoteUserSynthesizesJoinAndPartLines(t *testing.T) {
	s := New()
	s.NoteUser(1, "ana", session.Active)
	s.NoteUser(1, "ana", session.Unavailable)

	payload := s.SyncPayload()
	if len(payload) != 2 {
		t.Fatalf("expected 2 synthesized backlog entries, got %d", len(payload))
	}
	sm0 := payload[0].(*wire.SyncMessage)
	sm1 := payload[1].(*wire.SyncMessage)
	if !strings.Contains(sm0.Text, "joined") {
		t.Fatalf("expected join line, got %q", sm0.Text)
	}
	if !strings.Contains(sm1.Text, "left") {
		t.Fatalf("expected part line, got %q", sm1.Text)
	}
}

func TestLogSinkReceivesHumanReadableLines(t *testing.T) {
	var buf bytes.Buffer
	s := New()
	s.SetLogSink(&buf)
	s.NoteUser(1, "ana", session.Active)
	from := &session.User{ID: 1, Name: "ana"}
	if _, err := s.HandleMessage(nil, from, &wire.Message{Type: "emote", Text: "waves"}); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "has joined") || !strings.Contains(out, "waves") {
		t.Fatalf("expected log sink to record join and emote lines, got %q", out)
	}
}
