package core

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/gavel/raft/core/conf"
	"github.com/thinkermao/gavel/raft/core/peer"
	"github.com/thinkermao/gavel/raft/proto"
	"github.com/thinkermao/gavel/utils"
)

func (c *Core) send(to uint64, msg raftpd.Message) {
	c.callback.Send(to, msg)
}

// bumpTerm runs first on every inbound message carrying a higher
// term: step down, adopt the term, forget the vote, and treat the
// sender as leader only when it actually claims leadership.
func (c *Core) bumpTerm(term uint64, msg raftpd.Message) {
	utils.Assert(term > c.term, "%d bump to non-increasing term %d", c.id, term)

	if c.role.IsLeader() {
		c.timers.StopHeartbeats()
	} else if c.role.IsCandidate() {
		c.timers.StopHeartbeats()
		c.timers.StopElection()
	}

	c.role = RoleFollower
	c.term = term
	c.lastMsgNum = -1
	c.vote = conf.InvalidID

	if req, ok := msg.(*raftpd.AppendRequest); ok {
		c.leaderID = req.From
	} else {
		c.leaderID = conf.InvalidID
	}

	c.timers.ArmLeader()
	c.callback.LeadershipChanged(c.leaderID)

	log.Infof("%d become follower at term %d [leader: %d]",
		c.id, c.term, c.leaderID)
}

// abandonCampaign reverts a candidate to follower of a same-term
// leader; the term is unchanged so the self-vote stands.
func (c *Core) abandonCampaign(leader uint64) {
	utils.Assert(c.role.IsCandidate(),
		"%d invalid translation [%v => Follower of same term]", c.id, c.role)

	c.timers.StopHeartbeats()
	c.timers.StopElection()

	c.role = RoleFollower
	c.lastMsgNum = -1
	c.leaderID = leader

	c.timers.ArmLeader()
	c.callback.LeadershipChanged(c.leaderID)

	log.Infof("%d [Term: %d] abandon campaign, follow %d",
		c.id, c.term, leader)
}

// startElection begins (or restarts) a candidacy: bump the term, vote
// for self, solicit votes, and keep per-peer heartbeat timers running
// to retransmit the solicitation. Elections fired before
// minElectionDelay since the previous start are suppressed.
func (c *Core) startElection() {
	if c.minElectionDelay > 0 && !c.lastElection.IsZero() &&
		c.now().Sub(c.lastElection) < c.minElectionDelay {
		log.Debugf("%d [Term: %d] election suppressed by min delay", c.id, c.term)
		if c.role.IsCandidate() {
			c.timers.ArmElection()
		} else {
			c.timers.ArmLeader()
		}
		return
	}
	c.lastElection = c.now()

	c.timers.StopLeader()

	c.role = RoleCandidate
	c.term++
	c.leaderID = conf.InvalidID
	c.lastMsgNum = -1
	c.vote = c.id

	for _, pr := range c.prs {
		pr.ResetVote()
	}

	log.Infof("%d become candidate at term %d [lastIdx: %d, lastTerm: %d]",
		c.id, c.term, c.log.LastIndex(), c.log.LastTerm())

	for _, pr := range c.prs {
		c.sendVoteRequest(pr)
	}

	c.timers.ArmElection()
	c.timers.ArmAllHeartbeats()

	// Single-node cluster: the self-vote is already a majority.
	if 1 >= c.quorum() {
		c.becomeLeader()
	}
}

func (c *Core) sendVoteRequest(pr *peer.Progress) {
	c.send(pr.ID, &raftpd.VoteRequest{
		Header: raftpd.Header{
			From:       c.id,
			Term:       c.term,
			MessageNum: pr.NextMessageNum(),
		},
		LastLogIndex: c.log.LastIndex(),
		LastLogTerm:  c.log.LastTerm(),
	})
}

// grantedVotes counts the self-vote plus every peer that granted.
func (c *Core) grantedVotes() int {
	count := 1
	for _, pr := range c.prs {
		if pr.Vote == peer.VoteGranted {
			count++
		}
	}
	return count
}

// becomeLeader initializes the replication engine and asserts
// leadership with an empty AppendEntries broadcast.
func (c *Core) becomeLeader() {
	utils.Assert(c.role.IsCandidate() || len(c.peers) == 0,
		"%d invalid translation [%v => Leader]", c.id, c.role)
	utils.Assert(c.vote == c.id, "%d leader must have voted for itself", c.id)

	c.role = RoleLeader
	c.leaderID = c.id

	logLen := c.log.Length()
	for _, pr := range c.prs {
		pr.ResetForLeader(logLen)
	}

	log.Infof("%d become leader at term %d [lastIdx: %d]",
		c.id, c.term, c.log.LastIndex())

	for _, pr := range c.prs {
		c.sendAppend(pr)
	}

	c.timers.ArmAllHeartbeats()
	c.timers.StopElection()
}

// sendAppend ships everything from the peer's nextIndex to the log
// tail; an up-to-date peer receives an empty heartbeat.
func (c *Core) sendAppend(pr *peer.Progress) {
	prev := pr.Next - 1

	msg := &raftpd.AppendRequest{
		Header: raftpd.Header{
			From:       c.id,
			Term:       c.term,
			MessageNum: pr.NextMessageNum(),
		},
		PrevLogIndex: prev,
		PrevLogTerm:  c.log.TermAt(prev),
		Entries:      c.log.Tail(pr.Next),
		LeaderCommit: c.commitIndex,
	}

	log.Debugf("%d [Term: %d] send append to %d [prev: %d term: %d, entries: %d, commit: %d]",
		c.id, c.term, pr.ID, msg.PrevLogIndex, msg.PrevLogTerm,
		len(msg.Entries), msg.LeaderCommit)

	c.send(pr.ID, msg)
	pr.LastSent = c.log.LastIndex()
}

func (c *Core) sendAppendResponse(to uint64, success bool) {
	c.send(to, &raftpd.AppendResponse{
		Header:      raftpd.Header{From: c.id, Term: c.term},
		Success:     success,
		CommitIndex: c.commitIndex,
		LastApplied: c.lastApplied,
	})
}

// maybeCommit advances commitIndex to the highest index replicated on
// a majority. The match values of every cluster member are sorted,
// with the local log tail standing in for self, and the
// quorum'th-from-top value is the candidate; it only commits if it
// belongs to the current term.
func (c *Core) maybeCommit() {
	matches := make([]int64, 0, c.clusterSize())
	for _, pr := range c.prs {
		matches = append(matches, pr.Match)
	}
	matches = append(matches, c.log.LastIndex())

	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })

	idx := matches[len(matches)-c.quorum()]
	if idx <= c.commitIndex || c.log.TermAt(idx) != c.term {
		/* already committed, or an older term's record */
		return
	}

	c.commitIndex = idx
	log.Debugf("%d [Term: %d] commit to %d", c.id, c.term, idx)
}

// truncateTo implements the conflict-repair rule: cut the log to
// length idx, clamp commitIndex and lastApplied, and fail the
// completion of every dropped record. A truncation that would move
// lastApplied backwards is a correctness violation.
func (c *Core) truncateTo(idx int64) {
	dropped := c.log.TruncateFrom(idx)

	if c.commitIndex > c.log.LastIndex() {
		c.commitIndex = c.log.LastIndex()
	}
	if c.lastApplied > c.commitIndex {
		log.Panicf("%d [Term: %d] truncation would unapply records [applied: %d, commit: %d]",
			c.id, c.term, c.lastApplied, c.commitIndex)
	}

	for i := range dropped {
		if done := dropped[i].TakeCompletion(); done != nil {
			done.Fulfill(nil, ErrSuperseded)
		}
	}
}

// applyEntries advances lastApplied toward commitIndex, invoking the
// external state machine in index order and fulfilling the completion
// of records submitted locally. Idempotent across repeated triggers.
func (c *Core) applyEntries() {
	for c.lastApplied < c.commitIndex {
		idx := c.lastApplied + 1
		rec := c.log.At(idx)
		utils.Assert(rec != nil, "%d apply hole at %d", c.id, idx)

		value, err := c.callback.Apply(idx, rec)
		c.lastApplied = idx

		if done := rec.TakeCompletion(); done != nil {
			done.Fulfill(value, err)
		}
	}
}
