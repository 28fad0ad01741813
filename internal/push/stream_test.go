package push

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hive/server/internal/bus"
	"github.com/hive/server/internal/presence"
)

func noCounts(ctx context.Context) (map[string]int, map[string]int, error) {
	return map[string]int{}, map[string]int{}, nil
}

func TestMailboxStreamDeliversSubscribedEvent(t *testing.T) {
	b := bus.New()
	tr := presence.New(b, []string{"chris"}, 5*time.Minute, noCounts)
	adapter := New(b, tr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan error, 1)
	go func() { done <- adapter.MailboxStream(w, req, "chris", false) }()

	time.Sleep(10 * time.Millisecond)
	b.Publish(bus.MailboxTopic("chris"), bus.MailboxMessageEvent{Type: "new_message", ID: "1", Sender: "clio", Title: "hi"})
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("MailboxStream did not return after context cancellation")
	}

	body := w.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Fatalf("expected a connected event, got body: %s", body)
	}
	if !strings.Contains(body, "event: mailbox") {
		t.Fatalf("expected a mailbox event, got body: %s", body)
	}
	if !strings.Contains(body, `"sender":"clio"`) {
		t.Fatalf("expected mailbox payload in body: %s", body)
	}
}

func TestGlobalStreamHidesOtherUsersCountsFromNonAdmin(t *testing.T) {
	b := bus.New()
	counts := func(ctx context.Context) (map[string]int, map[string]int, error) {
		return map[string]int{"chris": 1, "clio": 7}, map[string]int{"chris": 1, "clio": 3}, nil
	}
	tr := presence.New(b, []string{"chris", "clio"}, 5*time.Minute, counts)
	adapter := New(b, tr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan error, 1)
	go func() { done <- adapter.GlobalStream(w, req, "chris", false) }()

	time.Sleep(10 * time.Millisecond)
	tr.Add(context.Background(), "conn-clio", "clio", presence.KindUI)
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GlobalStream did not return after context cancellation")
	}

	lines := strings.Split(w.Body.String(), "\n")
	var sawFilteredClio bool
	for i, line := range lines {
		if !strings.HasPrefix(line, "data: ") || i == 0 || !strings.Contains(lines[i-1], "event: presence") {
			continue
		}
		var ev bus.PresenceEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		for _, info := range ev.Presence {
			if info.User == "clio" && info.Online {
				sawFilteredClio = true
				if info.UnreadCount != 0 || info.WaitingCount != 0 {
					t.Fatalf("expected zeroed counts for clio on chris's non-admin stream, got %+v", info)
				}
			}
		}
	}
	if !sawFilteredClio {
		t.Fatal("expected at least one presence event showing clio online")
	}
}

func TestConnectionSendDropsOldestWhenBackedUp(t *testing.T) {
	c := newConnection("chris")
	for i := 0; i < outboxSize+5; i++ {
		c.send("mailbox", i)
	}
	if len(c.events) != outboxSize {
		t.Fatalf("events channel len=%d want %d (bounded)", len(c.events), outboxSize)
	}
}

func TestBroadcastVisibleToEmptyForUsersIsPublic(t *testing.T) {
	if !broadcastVisibleTo("", "chris") {
		t.Fatal("empty for_users should be visible to everyone")
	}
	if !broadcastVisibleTo("chris, clio", "CLIO") {
		t.Fatal("for_users match should be case-insensitive")
	}
	if broadcastVisibleTo("clio", "chris") {
		t.Fatal("chris should not see an event addressed only to clio")
	}
}
