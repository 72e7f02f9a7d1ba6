package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mealforge/sentinel/internal/model"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(testLogger())

	ch1 := broker.Subscribe()
	ch2 := broker.Subscribe()
	if broker.Subscribers() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", broker.Subscribers())
	}

	event := formatSSE("alert", `{"title":"cache repaired"}`)
	broker.broadcast(event)

	for name, ch := range map[string]chan []byte{"ch1": ch1, "ch2": ch2} {
		select {
		case got := <-ch:
			if string(got) != string(event) {
				t.Errorf("%s: got %q, want %q", name, got, event)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("%s: timed out waiting for event", name)
		}
	}

	// Only ch2 receives after ch1 leaves.
	broker.Unsubscribe(ch1)
	event2 := formatSSE("alert", `{"title":"cache repair failed"}`)
	broker.broadcast(event2)

	select {
	case got := <-ch2:
		if string(got) != string(event2) {
			t.Errorf("ch2: got %q, want %q", got, event2)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch2: timed out waiting for event after ch1 unsubscribed")
	}

	broker.Unsubscribe(ch2)
}

func TestBrokerSendEncodesAlert(t *testing.T) {
	broker := NewBroker(testLogger())
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	alert := model.Alert{ID: uuid.New(), Title: "storage error reported", Severity: model.SeverityError, Source: "detector:storage"}
	if err := broker.Send(context.Background(), alert); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	got := string(<-ch)
	if !strings.HasPrefix(got, "event: alert\ndata: ") || !strings.HasSuffix(got, "\n\n") {
		t.Fatalf("unexpected SSE framing: %q", got)
	}
	var decoded model.Alert
	payload := strings.TrimSuffix(strings.TrimPrefix(got, "event: alert\ndata: "), "\n\n")
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("payload is not an alert: %v", err)
	}
	if decoded.ID != alert.ID || decoded.Title != alert.Title {
		t.Fatalf("decoded alert mismatch: %+v", decoded)
	}
	if broker.Name() != "stream" {
		t.Fatalf("expected channel name stream, got %q", broker.Name())
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("alert", `{"id":"123"}`))
	want := "event: alert\ndata: {\"id\":\"123\"}\n\n"
	if got != want {
		t.Errorf("formatSSE: got %q, want %q", got, want)
	}
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := NewBroker(testLogger())

	slow := broker.Subscribe()
	fast := broker.Subscribe()

	// Overfill both buffers; broadcast must never block.
	done := make(chan struct{})
	go func() {
		for range 65 {
			broker.broadcast(formatSSE("alert", "fill"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}

	select {
	case <-fast:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber should have buffered events")
	}

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}
