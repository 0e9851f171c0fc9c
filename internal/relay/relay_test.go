package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/vibedev/vibedev/internal/common/config"
	"github.com/vibedev/vibedev/internal/common/logger"
	"github.com/vibedev/vibedev/pkg/events"
)

func newTestRelay(ringSize, queueSize int) *Relay {
	return NewRelay(config.RelayConfig{
		RingSize:        ringSize,
		SubscriberQueue: queueSize,
	}, logger.NewNop())
}

func publishN(r *Relay, projectID string, n int) {
	for i := 0; i < n; i++ {
		r.Publish(events.NewAssistantMessage(projectID, "sess-1", fmt.Sprintf("chunk %d", i)))
	}
}

func TestPublishAssignsStrictlyIncreasingSequences(t *testing.T) {
	r := newTestRelay(100, 10)

	var last uint64
	for i := 0; i < 50; i++ {
		seq := r.Publish(events.NewAssistantMessage("proj-1", "sess-1", "x"))
		if seq != last+1 {
			t.Fatalf("expected sequence %d, got %d", last+1, seq)
		}
		last = seq
	}
}

func TestSequencesIndependentAcrossProjects(t *testing.T) {
	r := newTestRelay(100, 10)

	seqA := r.Publish(events.NewAssistantMessage("proj-a", "s", "x"))
	seqB := r.Publish(events.NewAssistantMessage("proj-b", "s", "x"))

	if seqA != 1 || seqB != 1 {
		t.Errorf("expected independent per-project counters, got %d and %d", seqA, seqB)
	}
}

func TestSubscriberReceivesOrderedGapFreeStream(t *testing.T) {
	r := newTestRelay(100, 100)

	sub := r.SubscribeLive("proj-1")
	publishN(r, "proj-1", 20)

	var last uint64
	for i := 0; i < 20; i++ {
		ev := <-sub.C
		if ev.Sequence != last+1 {
			t.Fatalf("gap or reorder: expected %d, got %d", last+1, ev.Sequence)
		}
		last = ev.Sequence
	}
}

func TestReplayFromSequence(t *testing.T) {
	r := newTestRelay(100, 100)
	publishN(r, "proj-1", 10)

	sub, err := r.Subscribe("proj-1", 4)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Replay must be exactly sequences 5..10, then live events follow
	for want := uint64(5); want <= 10; want++ {
		ev := <-sub.C
		if ev.Sequence != want {
			t.Fatalf("expected replayed sequence %d, got %d", want, ev.Sequence)
		}
	}

	seq := r.Publish(events.NewAssistantMessage("proj-1", "sess-1", "live"))
	ev := <-sub.C
	if ev.Sequence != seq {
		t.Errorf("expected live event %d after replay, got %d", seq, ev.Sequence)
	}
}

func TestReplayIdempotence(t *testing.T) {
	r := newTestRelay(100, 100)
	publishN(r, "proj-1", 10)

	for i := 0; i < 2; i++ {
		sub, err := r.Subscribe("proj-1", 7)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		for want := uint64(8); want <= 10; want++ {
			ev := <-sub.C
			if ev.Sequence != want {
				t.Fatalf("attempt %d: expected %d, got %d", i, want, ev.Sequence)
			}
		}
		r.Unsubscribe(sub)
	}
}

func TestStaleSequenceRequiresResync(t *testing.T) {
	r := newTestRelay(5, 10)
	publishN(r, "proj-1", 20) // ring retains only sequences 16..20

	_, err := r.Subscribe("proj-1", 3)
	if err != ErrResyncRequired {
		t.Fatalf("expected ErrResyncRequired, got %v", err)
	}

	// The edge of the retained window is still replayable
	sub, err := r.Subscribe("proj-1", 15)
	if err != nil {
		t.Fatalf("Subscribe at window edge failed: %v", err)
	}
	ev := <-sub.C
	if ev.Sequence != 16 {
		t.Errorf("expected first retained sequence 16, got %d", ev.Sequence)
	}
}

func TestSlowSubscriberDisconnectedOthersUnaffected(t *testing.T) {
	r := newTestRelay(100, 2)

	slow := r.SubscribeLive("proj-1") // never read, queue bound 2

	publishN(r, "proj-1", 5)

	// Slow subscriber's channel must be closed after its queue overflowed,
	// holding at most its bound
	received := 0
	for range slow.C {
		received++
	}
	if received > 2 {
		t.Errorf("slow subscriber should hold at most its queue bound, got %d", received)
	}
	if r.SubscriberCount("proj-1") != 0 {
		t.Errorf("slow subscriber should be removed, count %d", r.SubscriberCount("proj-1"))
	}

	// Publication was unaffected: a fresh subscriber can replay everything
	sub, err := r.Subscribe("proj-1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	for want := uint64(1); want <= 5; want++ {
		ev := <-sub.C
		if ev.Sequence != want {
			t.Fatalf("expected sequence %d, got %d", want, ev.Sequence)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	r := newTestRelay(10, 10)

	sub := r.SubscribeLive("proj-1")
	r.Unsubscribe(sub)

	if _, open := <-sub.C; open {
		t.Error("channel should be closed after Unsubscribe")
	}
	if r.SubscriberCount("proj-1") != 0 {
		t.Errorf("expected 0 subscribers, got %d", r.SubscriberCount("proj-1"))
	}
}

func TestPublishHookObservesAssignedSequence(t *testing.T) {
	r := newTestRelay(10, 10)

	var seen []uint64
	r.SetPublishHook(func(ev *events.StructuredEvent) {
		seen = append(seen, ev.Sequence)
	})

	publishN(r, "proj-1", 3)

	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("hook saw wrong sequences: %v", seen)
	}
}

func TestPublishHookOrderedUnderConcurrentPublishers(t *testing.T) {
	r := newTestRelay(1000, 10)

	// The hook runs under the project's publish lock, so even racing
	// publishers must be observed in sequence order
	var seen []uint64
	r.SetPublishHook(func(ev *events.StructuredEvent) {
		seen = append(seen, ev.Sequence)
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			publishN(r, "proj-1", 50)
		}()
	}
	wg.Wait()

	if len(seen) != 400 {
		t.Fatalf("hook saw %d events, want 400", len(seen))
	}
	for i, seq := range seen {
		if seq != uint64(i+1) {
			t.Fatalf("hook observed sequence %d at position %d", seq, i)
		}
	}
}

func TestDropProjectDisconnectsSubscribers(t *testing.T) {
	r := newTestRelay(10, 10)

	sub := r.SubscribeLive("proj-1")
	r.DropProject("proj-1")

	if _, open := <-sub.C; open {
		t.Error("channel should be closed after DropProject")
	}
}
