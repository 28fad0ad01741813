package presence

import (
	"context"
	"testing"
	"time"

	"github.com/hive/server/internal/bus"
)

func noCounts(ctx context.Context) (map[string]int, map[string]int, error) {
	return map[string]int{}, map[string]int{}, nil
}

func TestAddPublishesJoinOnOfflineToOnlineTransition(t *testing.T) {
	t.Parallel()
	b := bus.New()
	tr := New(b, []string{"chris", "clio"}, 5*time.Minute, noCounts)

	var events []bus.PresenceEvent
	b.Subscribe(bus.PresenceTopic, func(topic string, payload any) {
		events = append(events, payload.(bus.PresenceEvent))
	})

	tr.Add(context.Background(), "conn1", "chris", KindUI)

	if len(events) != 1 || events[0].Type != "join" || events[0].User != "chris" {
		t.Fatalf("expected one join event for chris, got %+v", events)
	}
	if !tr.IsOnline("chris") {
		t.Fatal("chris should be online after Add")
	}
}

func TestAddSecondConnectionDoesNotRepublishJoin(t *testing.T) {
	t.Parallel()
	b := bus.New()
	tr := New(b, []string{"chris"}, 5*time.Minute, noCounts)

	var joinCount int
	b.Subscribe(bus.PresenceTopic, func(topic string, payload any) {
		if payload.(bus.PresenceEvent).Type == "join" {
			joinCount++
		}
	})

	tr.Add(context.Background(), "conn1", "chris", KindUI)
	tr.Add(context.Background(), "conn2", "chris", KindUI)

	if joinCount != 1 {
		t.Fatalf("joinCount=%d want 1", joinCount)
	}
}

func TestRemoveLastConnectionPublishesLeave(t *testing.T) {
	t.Parallel()
	b := bus.New()
	tr := New(b, []string{"chris"}, 5*time.Minute, noCounts)
	tr.Add(context.Background(), "conn1", "chris", KindUI)

	var leaveCount int
	b.Subscribe(bus.PresenceTopic, func(topic string, payload any) {
		if payload.(bus.PresenceEvent).Type == "leave" {
			leaveCount++
		}
	})

	tr.Remove(context.Background(), "conn1")

	if leaveCount != 1 {
		t.Fatalf("leaveCount=%d want 1", leaveCount)
	}
	if tr.IsOnline("chris") {
		t.Fatal("chris should be offline after removing last connection")
	}
}

func TestRemoveWithRemainingUIConnectionStaysOnline(t *testing.T) {
	t.Parallel()
	b := bus.New()
	tr := New(b, []string{"chris"}, 5*time.Minute, noCounts)
	tr.Add(context.Background(), "conn1", "chris", KindUI)
	tr.Add(context.Background(), "conn2", "chris", KindUI)

	var leaveCount int
	b.Subscribe(bus.PresenceTopic, func(topic string, payload any) {
		if payload.(bus.PresenceEvent).Type == "leave" {
			leaveCount++
		}
	})

	tr.Remove(context.Background(), "conn1")

	if leaveCount != 0 {
		t.Fatal("should not leave while a second UI connection remains")
	}
	if !tr.IsOnline("chris") {
		t.Fatal("chris should still be online")
	}
}

func TestAPIActivityWithinTimeoutCountsAsOnline(t *testing.T) {
	t.Parallel()
	b := bus.New()
	tr := New(b, []string{"chris"}, 5*time.Minute, noCounts)

	tr.RecordAPIActivity(context.Background(), "chris")

	if !tr.IsOnline("chris") {
		t.Fatal("expected chris online immediately after API activity")
	}
}

func TestAPIActivityExpiresAfterTimeout(t *testing.T) {
	t.Parallel()
	b := bus.New()
	tr := New(b, []string{"chris"}, 1*time.Millisecond, noCounts)

	tr.RecordAPIActivity(context.Background(), "chris")
	time.Sleep(5 * time.Millisecond)

	if tr.IsOnline("chris") {
		t.Fatal("expected chris offline after API activity timeout elapsed")
	}
}

func TestSnapshotHidesCountsFromNonAdminForOtherUsers(t *testing.T) {
	t.Parallel()
	b := bus.New()
	counts := func(ctx context.Context) (map[string]int, map[string]int, error) {
		return map[string]int{"chris": 3, "clio": 9}, map[string]int{"chris": 1, "clio": 2}, nil
	}
	tr := New(b, []string{"chris", "clio"}, 5*time.Minute, counts)

	snapshot, err := tr.Snapshot(context.Background(), "chris", false)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	byUser := map[string]bus.PresenceInfo{}
	for _, info := range snapshot {
		byUser[info.User] = info
	}

	if byUser["chris"].UnreadCount != 3 || byUser["chris"].WaitingCount != 1 {
		t.Fatalf("viewer's own counts should be real: %+v", byUser["chris"])
	}
	if byUser["clio"].UnreadCount != 0 || byUser["clio"].WaitingCount != 0 {
		t.Fatalf("non-admin should see zeroed counts for other users: %+v", byUser["clio"])
	}
}

func TestSnapshotShowsRealCountsForAdmin(t *testing.T) {
	t.Parallel()
	b := bus.New()
	counts := func(ctx context.Context) (map[string]int, map[string]int, error) {
		return map[string]int{"chris": 3, "clio": 9}, map[string]int{"chris": 1, "clio": 2}, nil
	}
	tr := New(b, []string{"chris", "clio"}, 5*time.Minute, counts)

	snapshot, err := tr.Snapshot(context.Background(), "chris", true)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for _, info := range snapshot {
		if info.User == "clio" && info.UnreadCount != 9 {
			t.Fatalf("admin viewer should see clio's real unread count, got %d", info.UnreadCount)
		}
	}
}

func TestOnlineCountOnlyCountsRosterMembers(t *testing.T) {
	t.Parallel()
	b := bus.New()
	tr := New(b, []string{"chris", "clio"}, 5*time.Minute, noCounts)
	tr.Add(context.Background(), "conn1", "chris", KindUI)
	tr.Add(context.Background(), "conn2", "intruder", KindUI)

	if got := tr.OnlineCount(); got != 1 {
		t.Fatalf("OnlineCount=%d want 1", got)
	}
}

func TestRunSweeperPublishesLeaveOnceActivityGoesStale(t *testing.T) {
	t.Parallel()
	b := bus.New()
	tr := New(b, []string{"chris"}, 5*time.Millisecond, noCounts)
	tr.RecordAPIActivity(context.Background(), "chris")

	var leaveCount int
	b.Subscribe(bus.PresenceTopic, func(topic string, payload any) {
		if payload.(bus.PresenceEvent).Type == "leave" {
			leaveCount++
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	tr.RunSweeper(ctx, 10*time.Millisecond)

	if leaveCount == 0 {
		t.Fatal("expected at least one leave event once API activity went stale")
	}
}
