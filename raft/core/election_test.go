package core

import (
	"testing"
	"time"

	"github.com/thinkermao/gavel/raft/core/conf"
	"github.com/thinkermao/gavel/raft/core/sched"
	"github.com/thinkermao/gavel/raft/proto"
)

func campaign(c *Core) {
	c.Tick(sched.Event{Kind: sched.LeaderTimeout})
}

func grant(c *Core, from uint64) {
	c.Step(&raftpd.VoteResponse{
		Header:  raftpd.Header{From: from, Term: c.Term()},
		Granted: true,
	})
}

func TestCore_StartElection(t *testing.T) {
	c, app, timers := newTestCore(1, []uint64{2, 3})

	campaign(c)

	if c.Role() != RoleCandidate {
		t.Fatalf("role want: Candidate, get: %v", c.Role())
	}
	if c.Term() != 1 {
		t.Errorf("term want: 1, get: %d", c.Term())
	}
	if c.vote != 1 {
		t.Errorf("candidate must vote for itself, get: %d", c.vote)
	}
	if c.LeaderID() != conf.InvalidID {
		t.Errorf("candidate must forget the leader")
	}

	requests := app.drain()
	if len(requests) != 2 {
		t.Fatalf("vote requests want: 2, get: %d", len(requests))
	}
	for i, sent := range requests {
		req, ok := sent.msg.(*raftpd.VoteRequest)
		if !ok {
			t.Fatalf("#%d: expected vote request, got %v", i, sent.msg)
		}
		if req.Term != 1 || req.LastLogIndex != -1 || req.LastLogTerm != 0 {
			t.Errorf("#%d: bad vote request: %v", i, req)
		}
	}

	if !timers.has("stop-leader") || !timers.has("arm-election") ||
		!timers.has("arm-heartbeats") {
		t.Errorf("bad timer discipline: %v", timers.ops)
	}
}

func TestCore_ElectionWin(t *testing.T) {
	c, app, timers := newTestCore(1, []uint64{2, 3})

	campaign(c)
	app.drain()
	timers.reset()

	grant(c, 2)

	if c.Role() != RoleLeader {
		t.Fatalf("role want: Leader, get: %v", c.Role())
	}
	if c.LeaderID() != 1 {
		t.Errorf("leader id want: 1, get: %d", c.LeaderID())
	}

	// victory is an empty AppendEntries to every peer.
	victory := app.drain()
	if len(victory) != 2 {
		t.Fatalf("victory broadcast want: 2 messages, get: %d", len(victory))
	}
	for i, sent := range victory {
		req, ok := sent.msg.(*raftpd.AppendRequest)
		if !ok {
			t.Fatalf("#%d: expected append request, got %v", i, sent.msg)
		}
		if len(req.Entries) != 0 || req.PrevLogIndex != -1 ||
			req.LeaderCommit != conf.InvalidIndex {
			t.Errorf("#%d: bad victory broadcast: %v", i, req)
		}
		if req.MessageNum != 0 {
			t.Errorf("#%d: message numbering must restart on election win", i)
		}
	}

	for id, pr := range c.prs {
		if pr.Next != 0 || pr.Match != conf.InvalidIndex || pr.LastSent != -1 {
			t.Errorf("peer %d progress not reset: %+v", id, pr)
		}
	}

	if !timers.has("arm-heartbeats") || !timers.has("stop-election") {
		t.Errorf("bad timer discipline: %v", timers.ops)
	}
}

func TestCore_ElectionIgnoresDuplicateGrants(t *testing.T) {
	c, _, _ := newTestCore(1, []uint64{2, 3, 4, 5})

	campaign(c)

	// quorum is 3; two grants from the same peer count once.
	grant(c, 2)
	grant(c, 2)

	if c.Role() != RoleCandidate {
		t.Fatalf("duplicate grants must not elect a leader")
	}

	grant(c, 3)
	if c.Role() != RoleLeader {
		t.Fatalf("distinct grants crossing quorum must elect")
	}
}

func TestCore_ElectionRestartBumpsTerm(t *testing.T) {
	c, _, _ := newTestCore(1, []uint64{2, 3})

	campaign(c)
	if c.Term() != 1 {
		t.Fatalf("term want: 1, get: %d", c.Term())
	}

	c.Tick(sched.Event{Kind: sched.ElectionTimeout})
	if c.Term() != 2 || c.Role() != RoleCandidate {
		t.Errorf("election restart want term 2 candidate, get term %d %v",
			c.Term(), c.Role())
	}
}

// A candidate hearing a same-term leader abandons its campaign.
func TestCore_CandidateSameTermAppend(t *testing.T) {
	c, app, timers := newTestCore(1, []uint64{2, 3})

	campaign(c)
	app.drain()
	timers.reset()

	c.Step(appendRequest(3, 1, 0, -1, 0, nil, -1))

	if c.Role() != RoleFollower || c.LeaderID() != 3 {
		t.Fatalf("want follower of 3, get %v of %d", c.Role(), c.LeaderID())
	}
	resp := lastAppendResponse(t, app)
	if !resp.Success {
		t.Errorf("the recognized leader's append must succeed")
	}
	if !timers.has("stop-election") || !timers.has("stop-heartbeats") ||
		!timers.has("arm-leader") {
		t.Errorf("bad timer discipline: %v", timers.ops)
	}
	if len(app.leaderChanges) == 0 {
		t.Errorf("client sessions must be told to disconnect")
	}
}

// Candidate term-bump: an AppendEntries at a higher term converts the
// candidate into that leader's follower.
func TestCore_CandidateTermBump(t *testing.T) {
	c, app, timers := newTestCore(1, []uint64{2, 3})

	// push the candidate to term 5.
	for c.Term() < 5 {
		c.Tick(sched.Event{Kind: sched.ElectionTimeout})
		campaign(c)
	}
	if c.Role() != RoleCandidate || c.Term() != 5 {
		t.Fatalf("setup failed [term: %d, role: %v]", c.Term(), c.Role())
	}
	app.drain()
	timers.reset()

	c.Step(appendRequest(3, 6, 0, -1, 0, nil, -1))

	if c.Role() != RoleFollower {
		t.Fatalf("role want: Follower, get: %v", c.Role())
	}
	if c.Term() != 6 || c.LeaderID() != 3 {
		t.Errorf("want term 6 leader 3, get term %d leader %d",
			c.Term(), c.LeaderID())
	}
	if !timers.has("stop-election") || !timers.has("stop-heartbeats") ||
		!timers.has("arm-leader") {
		t.Errorf("bad timer discipline: %v", timers.ops)
	}
	if len(app.leaderChanges) == 0 {
		t.Errorf("client sessions must be told to disconnect")
	}
}

func TestCore_VoteGrant(t *testing.T) {
	tests := []struct {
		lastIdx  int64
		lastTerm uint64
		granted  bool
	}{
		/* longer candidate log */ {5, 1, true},
		/* equal empty logs */ {-1, 0, true},
	}

	for i, test := range tests {
		c, app, _ := newTestCore(1, []uint64{2, 3})
		c.Step(&raftpd.VoteRequest{
			Header:       raftpd.Header{From: 2, Term: 1},
			LastLogIndex: test.lastIdx,
			LastLogTerm:  test.lastTerm,
		})

		resp, ok := app.lastSent().msg.(*raftpd.VoteResponse)
		if !ok {
			t.Fatalf("#%d: expected vote response", i)
		}
		if resp.Granted != test.granted {
			t.Errorf("#%d: granted want: %v, get: %v", i, test.granted, resp.Granted)
		}
		if test.granted && c.vote != 2 {
			t.Errorf("#%d: vote must be recorded", i)
		}
	}
}

// Vote denial on stale log: a higher-term candidate with an outdated
// log bumps our term but gets no vote.
func TestCore_VoteDenialStaleLog(t *testing.T) {
	c, app, _ := newRestoredCore(1, []uint64{2, 3}, 3, records(1, 1, 2, 3, 3))

	c.Step(&raftpd.VoteRequest{
		Header:       raftpd.Header{From: 2, Term: 4},
		LastLogIndex: 3,
		LastLogTerm:  2,
	})

	resp, ok := app.lastSent().msg.(*raftpd.VoteResponse)
	if !ok {
		t.Fatalf("expected vote response")
	}
	if resp.Granted {
		t.Errorf("stale log must be refused even with no vote cast")
	}
	if c.Term() != 4 {
		t.Errorf("term must bump to 4, get: %d", c.Term())
	}
	if c.vote != conf.InvalidID {
		t.Errorf("no vote must be recorded, get: %d", c.vote)
	}
}

func TestCore_VoteSecondCandidateRefused(t *testing.T) {
	c, app, _ := newTestCore(1, []uint64{2, 3})

	c.Step(&raftpd.VoteRequest{Header: raftpd.Header{From: 2, Term: 1}})
	app.drain()

	// same term, different candidate: one vote per term.
	c.Step(&raftpd.VoteRequest{Header: raftpd.Header{From: 3, Term: 1}})
	resp, ok := app.lastSent().msg.(*raftpd.VoteResponse)
	if !ok {
		t.Fatalf("expected vote response")
	}
	if resp.Granted {
		t.Errorf("second candidate in one term must be refused")
	}

	// the candidate already voted for may ask again.
	c.Step(&raftpd.VoteRequest{Header: raftpd.Header{From: 2, Term: 1}})
	resp, _ = app.lastSent().msg.(*raftpd.VoteResponse)
	if !resp.Granted {
		t.Errorf("re-request by the voted-for candidate must be granted")
	}
}

func TestCore_MinElectionDelaySuppressesRestart(t *testing.T) {
	app := &testApp{}
	timers := &testSched{}
	config := testConfig(1, []uint64{2, 3})
	config.MinElectionDelay = time.Minute
	c := New(config, raftpd.HardState{}, nil, timers, app)

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	campaign(c)
	if c.Term() != 1 {
		t.Fatalf("first election must run, term: %d", c.Term())
	}

	// a restart within the delay is suppressed.
	now = now.Add(time.Second)
	c.Tick(sched.Event{Kind: sched.ElectionTimeout})
	if c.Term() != 1 {
		t.Errorf("suppressed election must not bump term, get: %d", c.Term())
	}
	if !timers.has("arm-election") {
		t.Errorf("suppressed election must re-arm the election timer")
	}

	// past the delay the restart goes through.
	now = now.Add(2 * time.Minute)
	c.Tick(sched.Event{Kind: sched.ElectionTimeout})
	if c.Term() != 2 {
		t.Errorf("delayed restart must bump term, get: %d", c.Term())
	}
}

func TestCore_LeaderStepsDownOnHigherTerm(t *testing.T) {
	c, app, timers := newTestCore(1, []uint64{2, 3})

	campaign(c)
	grant(c, 2)
	if c.Role() != RoleLeader {
		t.Fatalf("setup failed")
	}
	app.drain()
	timers.reset()

	// a vote request from a fresher term dethrones the leader.
	c.Step(&raftpd.VoteRequest{Header: raftpd.Header{From: 3, Term: 9}})

	if c.Role() != RoleFollower || c.Term() != 9 {
		t.Fatalf("want follower at 9, get %v at %d", c.Role(), c.Term())
	}
	if c.LeaderID() != conf.InvalidID {
		t.Errorf("a vote request names no leader")
	}
	if !timers.has("stop-heartbeats") || !timers.has("arm-leader") {
		t.Errorf("bad timer discipline: %v", timers.ops)
	}
	if len(app.leaderChanges) == 0 {
		t.Errorf("client sessions must be told to disconnect")
	}
}
