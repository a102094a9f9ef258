package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/thinkermao/gavel/raft/core/conf"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) deliver(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) heartbeatsFor(peer uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == HeartbeatTimeout && ev.Peer == peer {
			n++
		}
	}
	return n
}

func testTimers(rec *recorder) *Timers {
	config := &conf.Config{
		ID:                 1,
		Peers:              []uint64{2, 3},
		MinLeaderTimeout:   10 * time.Millisecond,
		MaxLeaderTimeout:   20 * time.Millisecond,
		MinElectionTimeout: 10 * time.Millisecond,
		MaxElectionTimeout: 20 * time.Millisecond,
		HeartbeatTimeout:   10 * time.Millisecond,
	}
	return New(config, rec.deliver)
}

func TestTimers_LeaderFires(t *testing.T) {
	rec := &recorder{}
	timers := testTimers(rec)
	defer timers.StopAll()

	timers.ArmLeader()
	time.Sleep(50 * time.Millisecond)

	if rec.count(LeaderTimeout) != 1 {
		t.Errorf("leader fires want: 1, get: %d", rec.count(LeaderTimeout))
	}
}

func TestTimers_CancelBeforeFire(t *testing.T) {
	rec := &recorder{}
	timers := testTimers(rec)
	defer timers.StopAll()

	timers.ArmLeader()
	timers.StopLeader()
	time.Sleep(50 * time.Millisecond)

	if rec.count(LeaderTimeout) != 0 {
		t.Errorf("cancelled timer must not fire, got %d", rec.count(LeaderTimeout))
	}

	// cancelling an expired timer is a no-op.
	timers.ArmElection()
	time.Sleep(50 * time.Millisecond)
	timers.StopElection()
	if rec.count(ElectionTimeout) != 1 {
		t.Errorf("election fires want: 1, get: %d", rec.count(ElectionTimeout))
	}
}

func TestTimers_RearmReplacesInstance(t *testing.T) {
	rec := &recorder{}
	timers := testTimers(rec)
	defer timers.StopAll()

	// re-arming twice must leave exactly one live instance.
	timers.ArmLeader()
	timers.ArmLeader()
	time.Sleep(60 * time.Millisecond)

	if rec.count(LeaderTimeout) != 1 {
		t.Errorf("duplicate instances fired: %d", rec.count(LeaderTimeout))
	}
}

func TestTimers_HeartbeatPerPeer(t *testing.T) {
	rec := &recorder{}
	timers := testTimers(rec)
	defer timers.StopAll()

	timers.ArmHeartbeat(2)
	time.Sleep(30 * time.Millisecond)

	if rec.heartbeatsFor(2) != 1 {
		t.Errorf("peer 2 fires want: 1, get: %d", rec.heartbeatsFor(2))
	}
	if rec.heartbeatsFor(3) != 0 {
		t.Errorf("peer 3 must stay silent, get: %d", rec.heartbeatsFor(3))
	}

	// resetting with no peer resets all peers.
	timers.ArmAllHeartbeats()
	time.Sleep(30 * time.Millisecond)
	if rec.heartbeatsFor(2) != 2 || rec.heartbeatsFor(3) != 1 {
		t.Errorf("fires want (2, 1), get (%d, %d)",
			rec.heartbeatsFor(2), rec.heartbeatsFor(3))
	}
}

func TestTimers_StopAllSilencesEverything(t *testing.T) {
	rec := &recorder{}
	timers := testTimers(rec)

	timers.ArmLeader()
	timers.ArmElection()
	timers.ArmAllHeartbeats()
	timers.StopAll()

	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	n := len(rec.events)
	rec.mu.Unlock()
	if n != 0 {
		t.Errorf("stopped timers must not fire, got %d events", n)
	}

	// arming after StopAll stays dead.
	timers.ArmLeader()
	time.Sleep(50 * time.Millisecond)
	if rec.count(LeaderTimeout) != 0 {
		t.Errorf("a stopped table must refuse arming")
	}
}
