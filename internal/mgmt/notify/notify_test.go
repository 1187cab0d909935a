package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mcpbox/mcpbox/common/trace"
)

type fakeSender struct {
	rooms    []string
	messages []string
	err      error
}

func (f *fakeSender) SendNotice(roomID, message string) error {
	f.rooms = append(f.rooms, roomID)
	f.messages = append(f.messages, message)
	return f.err
}

func TestNotifyFormatsEvent(t *testing.T) {
	sender := &fakeSender{}
	n := NewMatrixNotifier(sender, "!audit:example.org", nil)

	n.Notify(context.Background(), Event{
		Kind:      KindToolApproved,
		Actor:     "admin",
		Target:    "weather__forecast",
		Message:   "approved for use",
		RequestID: "req_1",
	})

	if len(sender.messages) != 1 {
		t.Fatalf("messages = %d", len(sender.messages))
	}
	msg := sender.messages[0]
	for _, want := range []string{"weather__forecast", "approved for use", "req_1", "admin"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q: %s", want, msg)
		}
	}
	if sender.rooms[0] != "!audit:example.org" {
		t.Errorf("room = %s", sender.rooms[0])
	}
}

func TestNotifyTakesRequestIDFromContext(t *testing.T) {
	sender := &fakeSender{}
	n := NewMatrixNotifier(sender, "!audit:example.org", nil)

	ctx := trace.WithRequestID(context.Background(), "req_ctx")
	n.Notify(ctx, Event{Kind: KindError, Message: "something broke"})

	if !strings.Contains(sender.messages[0], "req_ctx") {
		t.Errorf("message = %s", sender.messages[0])
	}
}

func TestNotifyEmptyRoomIsNoop(t *testing.T) {
	sender := &fakeSender{}
	n := NewMatrixNotifier(sender, "", nil)

	n.Notify(context.Background(), Event{Kind: KindError, Message: "dropped"})
	if len(sender.messages) != 0 {
		t.Errorf("messages = %v", sender.messages)
	}
}

func TestNotifySendFailureDoesNotPanic(t *testing.T) {
	sender := &fakeSender{err: errors.New("homeserver down")}
	n := NewMatrixNotifier(sender, "!audit:example.org", nil)

	n.Notify(context.Background(), Event{Kind: KindNetworkRequested, Message: "host x"})
}

func TestNoop(t *testing.T) {
	var n Notifier = Noop{}
	n.Notify(context.Background(), Event{Kind: KindError})
}
