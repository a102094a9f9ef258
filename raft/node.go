package raft

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/gavel/machine"
	"github.com/thinkermao/gavel/raft/core"
	"github.com/thinkermao/gavel/raft/core/conf"
	"github.com/thinkermao/gavel/raft/core/sched"
	"github.com/thinkermao/gavel/raft/proto"
)

// ErrStopped reports an operation posted to a node that already shut
// down.
var ErrStopped = errors.New("raft node stopped")

// LeadershipListener receives the "disconnect client sessions" signal
// whenever leadership may have moved away from this node.
type LeadershipListener interface {
	LeadershipChanged(leader uint64)
}

// Status is a point-in-time snapshot of the consensus state.
type Status struct {
	ID          uint64
	Term        uint64
	Role        string
	IsLeader    bool
	LeaderID    uint64
	CommitIndex int64
	LastApplied int64
}

// Node runs one consensus participant. Timer expirations, inbound
// RPCs, submissions and queries are serialized into a single handler
// queue; the loop goroutine is the exclusive writer of all consensus
// state, so the core needs no locking. While the applier awaits the
// state machine, later events stay queued; none interleave with a
// half-applied record.
type Node struct {
	id uint64

	core    *core.Core
	timers  *sched.Timers
	machine machine.StateMachine

	transport Transporter
	listener  LeadershipListener
	storage   *logStorage

	// Outbound messages buffered during one event, flushed after the
	// hard state they reference is durable.
	outbox []outboundMsg

	prevHard raftpd.HardState

	events chan func()
	stopc  chan struct{}
	done   sync.WaitGroup
	stop   sync.Once
}

type outboundMsg struct {
	to  uint64
	msg raftpd.Message
}

// Options carries the collaborators a Node is wired to.
type Options struct {
	Machine   machine.StateMachine
	Transport Transporter
	Listener  LeadershipListener

	// WalDir enables durable term/vote/log storage when non-empty.
	WalDir string
}

// NewNode build and start a node. The caller owns the transport's
// receiving side and must route inbound messages to Deliver.
func NewNode(config *conf.Config, opts Options) (*Node, error) {
	n := &Node{
		id:        config.ID,
		machine:   opts.Machine,
		transport: opts.Transport,
		listener:  opts.Listener,
		events:    make(chan func(), 1024),
		stopc:     make(chan struct{}),
	}
	if n.machine == nil {
		n.machine = machine.Disabled{}
	}

	var hard raftpd.HardState
	var records []raftpd.Record

	if opts.WalDir != "" {
		ls, st, recs, err := restoreLogStorage(opts.WalDir)
		if err == nil {
			n.storage, hard, records = ls, st, recs
			log.Infof("%d restored wal [term: %d, records: %d]",
				n.id, hard.Term, len(records))
		} else {
			ls, err = createLogStorage(opts.WalDir)
			if err != nil {
				return nil, err
			}
			n.storage = ls
		}
	}

	n.timers = sched.New(config, n.deliverTimer)
	n.core = core.New(config, hard, records, n.timers, (*coreHooks)(n))
	n.prevHard = n.core.HardState()

	n.done.Add(1)
	go n.run()

	n.enqueue(func() { n.core.Start() })

	return n, nil
}

// coreHooks adapts Node to core.Application without exporting the
// callback methods on Node itself.
type coreHooks Node

func (h *coreHooks) Send(to uint64, msg raftpd.Message) {
	h.outbox = append(h.outbox, outboundMsg{to: to, msg: msg})
}

func (h *coreHooks) Apply(index int64, rec *raftpd.Record) ([]byte, error) {
	if !rec.Type.Valid() {
		// Programmer error: the vocabulary is closed.
		log.Panicf("%d apply unknown command %v at %d", h.id, rec.Type, index)
	}

	value, err := h.machine.Apply(context.Background(), rec.Type, rec.Data)
	if errors.Is(err, machine.ErrUnknownCommand) {
		log.Panicf("%d apply unknown command %v at %d", h.id, rec.Type, index)
	}
	return value, err
}

func (h *coreHooks) LeadershipChanged(leader uint64) {
	if h.listener != nil {
		h.listener.LeadershipChanged(leader)
	}
}

func (n *Node) run() {
	defer n.done.Done()
	for {
		select {
		case <-n.stopc:
			return
		case fn := <-n.events:
			fn()
			n.persistAndFlush()
		}
	}
}

// persistAndFlush makes the hard state and fresh records durable
// before the buffered messages referencing them leave the node.
func (n *Node) persistAndFlush() {
	if n.storage != nil {
		if hard := n.core.HardState(); hard != n.prevHard {
			if err := n.storage.saveState(hard); err != nil {
				log.Panicf("%d persist state: %v", n.id, err)
			}
			n.prevHard = hard
		}
		if first, records := n.core.StableRecords(); len(records) > 0 {
			if err := n.storage.saveRecords(first, records); err != nil {
				log.Panicf("%d persist records: %v", n.id, err)
			}
		}
	}

	for i := range n.outbox {
		out := &n.outbox[i]
		if err := n.transport.Send(out.to, out.msg); err != nil {
			/* message loss; the heartbeat cycle repairs it */
			log.Debugf("%d send to %d failed: %v", n.id, out.to, err)
		}
	}
	n.outbox = n.outbox[:0]
}

func (n *Node) enqueue(fn func()) bool {
	select {
	case n.events <- fn:
		return true
	case <-n.stopc:
		return false
	}
}

func (n *Node) deliverTimer(ev sched.Event) {
	n.enqueue(func() { n.core.Tick(ev) })
}

// Deliver routes one inbound peer message into the handler queue.
func (n *Node) Deliver(from uint64, msg raftpd.Message) {
	if msg == nil || msg.Hdr().From != from {
		log.Errorf("%d drop message with forged sender [conn: %d]", n.id, from)
		return
	}
	n.enqueue(func() { n.core.Step(msg) })
}

// Submit accepts a command on the leader and returns the one-shot
// completion handle that fires when the command commits and applies.
// Non-leaders refuse with NotLeaderError carrying the current hint.
func (n *Node) Submit(cmdType raftpd.CommandType, payload []byte) (*Future, error) {
	type reply struct {
		future *Future
		err    error
	}
	ch := make(chan reply, 1)

	ok := n.enqueue(func() {
		future := newFuture()
		index, leader, accepted := n.core.Submit(cmdType, payload, future)
		if !accepted {
			ch <- reply{err: &NotLeaderError{Leader: leader}}
			return
		}
		future.index = index
		ch <- reply{future: future}
	})
	if !ok {
		return nil, ErrStopped
	}

	select {
	case r := <-ch:
		return r.future, r.err
	case <-n.stopc:
		return nil, ErrStopped
	}
}

// Status return a snapshot of the consensus state.
func (n *Node) Status() Status {
	ch := make(chan Status, 1)
	ok := n.enqueue(func() {
		ch <- Status{
			ID:          n.core.ID(),
			Term:        n.core.Term(),
			Role:        n.core.Role().String(),
			IsLeader:    n.core.Role().IsLeader(),
			LeaderID:    n.core.LeaderID(),
			CommitIndex: n.core.CommitIndex(),
			LastApplied: n.core.LastApplied(),
		}
	})
	if !ok {
		return Status{ID: n.id}
	}
	select {
	case st := <-ch:
		return st
	case <-n.stopc:
		return Status{ID: n.id}
	}
}

// Stop cancels every timer, closes the transport, and tears down the
// handler loop after it drains any in-progress entry.
func (n *Node) Stop() {
	n.stop.Do(func() {
		n.timers.StopAll()
		close(n.stopc)
		n.done.Wait()

		if n.transport != nil {
			_ = n.transport.Close()
		}
		if n.storage != nil {
			_ = n.storage.sync()
			n.storage.close()
		}

		log.Infof("%d node stopped", n.id)
	})
}
