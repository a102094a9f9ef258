package sched

import (
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/gavel/raft/core/conf"
)

// EventKind names the three logical timers of a node.
type EventKind int

const (
	LeaderTimeout EventKind = iota
	ElectionTimeout
	HeartbeatTimeout
)

var eventKindStr = []string{
	"leader timeout",
	"election timeout",
	"heartbeat timeout",
}

func (k EventKind) String() string {
	return eventKindStr[k]
}

// Event is one timer expiration. Peer is set only for heartbeats.
type Event struct {
	Kind EventKind
	Peer uint64
}

// Timers owns the per-node timer table: one leader timer, one
// election timer, one heartbeat timer per peer. Leader and election
// intervals are redrawn uniformly from their configured range on every
// arming; the heartbeat interval is fixed.
//
// Expirations are delivered through the deliver callback and never run
// consensus code on the timer goroutine. Re-arming cancels any
// existing instance first, so no timer ever has two live instances;
// cancelling an already-expired timer is a no-op.
type Timers struct {
	mu sync.Mutex

	id uint64

	minLeader, maxLeader     time.Duration
	minElection, maxElection time.Duration
	heartbeat                time.Duration

	leader     *time.Timer
	election   *time.Timer
	heartbeats map[uint64]*time.Timer

	deliver func(Event)
	stopped bool
}

// New return a Timers table for the peers of config, delivering
// expirations through deliver.
func New(config *conf.Config, deliver func(Event)) *Timers {
	t := &Timers{
		id:          config.ID,
		minLeader:   config.MinLeaderTimeout,
		maxLeader:   config.MaxLeaderTimeout,
		minElection: config.MinElectionTimeout,
		maxElection: config.MaxElectionTimeout,
		heartbeat:   config.HeartbeatTimeout,
		heartbeats:  make(map[uint64]*time.Timer, len(config.Peers)),
		deliver:     deliver,
	}
	for _, peer := range config.Peers {
		t.heartbeats[peer] = nil
	}
	return t
}

func randomBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (t *Timers) post(ev Event) {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}
	t.deliver(ev)
}

// ArmLeader cancel and re-arm the leader timer with a fresh random
// interval.
func (t *Timers) ArmLeader() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	stopTimer(&t.leader)
	d := randomBetween(t.minLeader, t.maxLeader)
	t.leader = time.AfterFunc(d, func() {
		t.post(Event{Kind: LeaderTimeout})
	})

	log.Debugf("%d arm leader timer [%v]", t.id, d)
}

// StopLeader cancel the leader timer.
func (t *Timers) StopLeader() {
	t.mu.Lock()
	defer t.mu.Unlock()
	stopTimer(&t.leader)
}

// ArmElection cancel and re-arm the election timer with a fresh
// random interval.
func (t *Timers) ArmElection() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	stopTimer(&t.election)
	d := randomBetween(t.minElection, t.maxElection)
	t.election = time.AfterFunc(d, func() {
		t.post(Event{Kind: ElectionTimeout})
	})

	log.Debugf("%d arm election timer [%v]", t.id, d)
}

// StopElection cancel the election timer.
func (t *Timers) StopElection() {
	t.mu.Lock()
	defer t.mu.Unlock()
	stopTimer(&t.election)
}

// ArmHeartbeat cancel and re-arm the heartbeat timer of one peer.
func (t *Timers) ArmHeartbeat(peer uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armHeartbeatLocked(peer)
}

// ArmAllHeartbeats cancel and re-arm every peer's heartbeat timer.
func (t *Timers) ArmAllHeartbeats() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer := range t.heartbeats {
		t.armHeartbeatLocked(peer)
	}
}

func (t *Timers) armHeartbeatLocked(peer uint64) {
	if t.stopped {
		return
	}
	if old := t.heartbeats[peer]; old != nil {
		old.Stop()
	}
	t.heartbeats[peer] = time.AfterFunc(t.heartbeat, func() {
		t.post(Event{Kind: HeartbeatTimeout, Peer: peer})
	})
}

// StopHeartbeat cancel the heartbeat timer of one peer.
func (t *Timers) StopHeartbeat(peer uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old := t.heartbeats[peer]; old != nil {
		old.Stop()
		t.heartbeats[peer] = nil
	}
}

// StopHeartbeats cancel every peer's heartbeat timer.
func (t *Timers) StopHeartbeats() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer, timer := range t.heartbeats {
		if timer != nil {
			timer.Stop()
			t.heartbeats[peer] = nil
		}
	}
}

// StopAll cancel every timer and refuse any further arming. Used on
// node shutdown.
func (t *Timers) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	stopTimer(&t.leader)
	stopTimer(&t.election)
	for peer, timer := range t.heartbeats {
		if timer != nil {
			timer.Stop()
			t.heartbeats[peer] = nil
		}
	}
}
