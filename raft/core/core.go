package core

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/gavel/raft/core/conf"
	"github.com/thinkermao/gavel/raft/core/holder"
	"github.com/thinkermao/gavel/raft/core/peer"
	"github.com/thinkermao/gavel/raft/core/sched"
	"github.com/thinkermao/gavel/raft/proto"
)

// ErrSuperseded fulfills the completion of a record that was truncated
// away by the conflict-repair rule before it could commit.
var ErrSuperseded = errors.New("log record superseded by a newer leader")

// Application is the environment a Core runs in: outbound transport,
// the state-machine applier, and the leadership-change notification
// consumed by the request router.
type Application interface {
	// Send delivers msg to peer `to`; best effort, a lost message is
	// repaired by the regular heartbeat cycle.
	Send(to uint64, msg raftpd.Message)

	// Apply feeds one committed record to the state machine, in index
	// order, and returns the state machine's result. The returned
	// error is a domain result delivered to the submitter, not a
	// transport failure.
	Apply(index int64, rec *raftpd.Record) ([]byte, error)

	// LeadershipChanged reports that leadership may have moved;
	// client sessions should be disconnected. leader is
	// conf.InvalidID while unknown.
	LeadershipChanged(leader uint64)
}

// Scheduler is the timer discipline a Core drives. sched.Timers is
// the production implementation.
type Scheduler interface {
	ArmLeader()
	StopLeader()
	ArmElection()
	StopElection()
	ArmHeartbeat(peer uint64)
	ArmAllHeartbeats()
	StopHeartbeats()
}

// Core is the per-node consensus state machine. It is single-threaded:
// the surrounding node serializes timer expirations and inbound RPCs
// into one execution context, which is the exclusive writer of every
// field here.
type Core struct {
	id    uint64
	peers []uint64

	// Logically persistent state.
	term uint64
	vote uint64
	log  *holder.Log

	// Volatile state.
	role        Role
	leaderID    uint64
	lastMsgNum  int64
	commitIndex int64
	lastApplied int64

	// Leader / candidate bookkeeping, one entry per peer.
	prs map[uint64]*peer.Progress

	// Election suppression.
	minElectionDelay time.Duration
	lastElection     time.Time
	now              func() time.Time

	timers   Scheduler
	callback Application
}

// New build a Core in the Follower role. Restored is the log content
// recovered from durable storage, nil for a fresh node; hard carries
// the recovered term and vote.
func New(config *conf.Config, hard raftpd.HardState,
	restored []raftpd.Record, timers Scheduler, callback Application) *Core {
	config.Verify()

	c := &Core{
		id:               config.ID,
		peers:            config.Peers,
		term:             hard.Term,
		vote:             hard.Vote,
		role:             RoleFollower,
		leaderID:         conf.InvalidID,
		lastMsgNum:       -1,
		commitIndex:      conf.InvalidIndex,
		lastApplied:      conf.InvalidIndex,
		minElectionDelay: config.MinElectionDelay,
		now:              time.Now,
		timers:           timers,
		callback:         callback,
	}

	if restored == nil {
		c.log = holder.New(config.ID)
	} else {
		c.log = holder.Rebuild(config.ID, restored)
	}

	c.prs = make(map[uint64]*peer.Progress, len(config.Peers))
	for _, id := range config.Peers {
		c.prs[id] = peer.Make(id)
	}

	log.Debugf("%d build core at term: %d [lastIdx: %d, commitIdx: %d]",
		c.id, c.term, c.log.LastIndex(), c.commitIndex)

	return c
}

// Start arms the leader timer; a fresh node waits for leader traffic
// before campaigning.
func (c *Core) Start() {
	c.timers.ArmLeader()
}

// ID return the local node id.
func (c *Core) ID() uint64 { return c.id }

// Term return currentTerm.
func (c *Core) Term() uint64 { return c.term }

// Role return the current consensus role.
func (c *Core) Role() Role { return c.role }

// LeaderID return the node believed to lead the current term,
// conf.InvalidID while unknown.
func (c *Core) LeaderID() uint64 { return c.leaderID }

// CommitIndex return the highest index known committed.
func (c *Core) CommitIndex() int64 { return c.commitIndex }

// LastApplied return the highest index fed to the state machine.
func (c *Core) LastApplied() int64 { return c.lastApplied }

// HardState return the logically persistent term and vote.
func (c *Core) HardState() raftpd.HardState {
	return raftpd.HardState{Term: c.term, Vote: c.vote}
}

// StableRecords drains the log records not yet handed to durable
// storage; see holder.Log.StableRecords.
func (c *Core) StableRecords() (int64, []raftpd.Record) {
	return c.log.StableRecords()
}

// Submit accepts a command on the leader. It appends a record at
// currentTerm carrying done and returns its index; the regular
// heartbeat / response cycle replicates and ultimately commits the
// record, at which point the applier fulfills done.
//
// Non-leaders refuse: ok is false and leader carries the hint for the
// "not leader; try <leader>" report to the caller.
func (c *Core) Submit(cmdType raftpd.CommandType, payload []byte,
	done raftpd.Completion) (index int64, leader uint64, ok bool) {
	if !c.role.IsLeader() {
		return conf.InvalidIndex, c.leaderID, false
	}

	rec := raftpd.Record{Term: c.term, Type: cmdType, Data: payload}
	rec.SetCompletion(done)
	index = c.log.Append(rec)

	log.Debugf("%d [Term: %d] accept %v at index %d",
		c.id, c.term, cmdType, index)

	// A cluster of one is its own majority.
	if len(c.peers) == 0 {
		c.maybeCommit()
		c.applyEntries()
	}

	return index, c.id, true
}

// Step routes one inbound peer message. The term-bump rule runs first
// on every message; dispatch by role follows.
func (c *Core) Step(msg raftpd.Message) {
	hdr := msg.Hdr()
	log.Debugf("%d [Term: %d] received %v", c.id, c.term, msg)

	if hdr.Term > c.term {
		c.bumpTerm(hdr.Term, msg)
	}

	switch m := msg.(type) {
	case *raftpd.VoteRequest:
		c.handleVoteRequest(m)
	case *raftpd.SnapshotRequest, *raftpd.SnapshotResponse:
		// Reserved message types.
		log.Debugf("%d [Term: %d] ignore reserved snapshot message from %d",
			c.id, c.term, hdr.From)
	default:
		c.dispatch(msg)
	}
}

// Tick routes one timer expiration.
func (c *Core) Tick(ev sched.Event) {
	switch ev.Kind {
	case sched.LeaderTimeout:
		c.handleLeaderTimeout()
	case sched.ElectionTimeout:
		c.handleElectionTimeout()
	case sched.HeartbeatTimeout:
		c.handleHeartbeatTimeout(ev.Peer)
	}
}

func (c *Core) quorum() int {
	return c.clusterSize()/2 + 1
}

func (c *Core) clusterSize() int {
	return len(c.peers) + 1
}
