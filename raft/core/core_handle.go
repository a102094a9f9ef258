package core

import (
	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/gavel/raft/core/conf"
	"github.com/thinkermao/gavel/raft/proto"
	"github.com/thinkermao/gavel/utils"
)

func (c *Core) dispatch(msg raftpd.Message) {
	switch c.role {
	case RoleFollower:
		c.stepFollower(msg)
	case RoleCandidate:
		c.stepCandidate(msg)
	case RoleLeader:
		c.stepLeader(msg)
	}
}

func (c *Core) stepFollower(msg raftpd.Message) {
	switch m := msg.(type) {
	case *raftpd.AppendRequest:
		c.handleAppendRequest(m)
	case *raftpd.AppendResponse:
		// Followers ignore append responses.
	case *raftpd.VoteResponse:
		// Stale candidacy; ignore.
	}
}

func (c *Core) stepCandidate(msg raftpd.Message) {
	switch m := msg.(type) {
	case *raftpd.VoteResponse:
		c.handleVoteResponse(m)

	// A candidate receiving an AppendEntries from a node claiming to
	// lead its own term recognizes that leader and reverts to
	// follower before handling the replication.
	case *raftpd.AppendRequest:
		if m.Term < c.term {
			c.sendAppendResponse(m.From, false)
			return
		}
		c.abandonCampaign(m.From)
		c.handleAppendRequest(m)
	case *raftpd.AppendResponse:
		// Left over from a previous leadership; ignore.
	}
}

func (c *Core) stepLeader(msg raftpd.Message) {
	switch m := msg.(type) {
	case *raftpd.AppendResponse:
		c.handleAppendResponse(m)
	case *raftpd.AppendRequest:
		if m.Term < c.term {
			/* stale leader */
			c.sendAppendResponse(m.From, false)
			return
		}
		// Two leaders in one term cannot happen under the vote rule.
		log.Panicf("%d [Term: %d] second leader %d claims the same term",
			c.id, c.term, m.From)
	case *raftpd.VoteResponse:
		// Election already won; ignore.
	}
}

// handleAppendRequest runs on followers (and on candidates that just
// reverted). Checks run in a fixed order: term, duplicate drop,
// leader identity, log match, conflict repair, commit advance.
func (c *Core) handleAppendRequest(m *raftpd.AppendRequest) {
	if m.Term < c.term {
		c.sendAppendResponse(m.From, false)
		return
	}

	if m.MessageNum <= c.lastMsgNum {
		log.Debugf("%d [Term: %d] drop stale append from %d [num: %d, last: %d]",
			c.id, c.term, m.From, m.MessageNum, c.lastMsgNum)
		return
	}

	if c.leaderID == conf.InvalidID {
		c.leaderID = m.From
		log.Infof("%d [Term: %d] adopt %d as leader", c.id, c.term, m.From)
	} else if c.leaderID != m.From {
		// Impossible under the majority rule; guards malformed input.
		log.Errorf("%d [Term: %d] append from %d but leader is %d; ignored",
			c.id, c.term, m.From, c.leaderID)
		return
	}

	if m.PrevLogIndex >= 0 && !c.log.MatchesAt(m.PrevLogIndex, m.PrevLogTerm) {
		log.Debugf("%d [Term: %d] reject append from %d [prev: %d, term: %d, lastIdx: %d]",
			c.id, c.term, m.From, m.PrevLogIndex, m.PrevLogTerm, c.log.LastIndex())
		c.sendAppendResponse(m.From, false)
		c.timers.ArmLeader()
		return
	}

	for i := range m.Entries {
		j := m.PrevLogIndex + 1 + int64(i)
		entry := m.Entries[i]
		if existing := c.log.At(j); existing != nil {
			if existing.Term == entry.Term {
				/* already replicated */
				continue
			}
			c.truncateTo(j)
			c.log.Append(entry)
		} else {
			c.log.Append(entry)
		}
	}

	if m.LeaderCommit > c.commitIndex {
		c.commitIndex = utils.MinInt64(m.LeaderCommit, c.log.LastIndex())
		c.applyEntries()
	}

	c.lastMsgNum = m.MessageNum
	c.sendAppendResponse(m.From, true)
	c.timers.ArmLeader()
}

// handleAppendResponse is the leader's reaction to replication
// feedback; see the replication engine notes in core_internal.go.
func (c *Core) handleAppendResponse(m *raftpd.AppendResponse) {
	if m.Term < c.term {
		return
	}

	pr, ok := c.prs[m.From]
	if !ok {
		log.Errorf("%d [Term: %d] append response from unknown peer %d",
			c.id, c.term, m.From)
		return
	}

	if m.Success {
		pr.AdvanceOnSuccess()

		log.Debugf("%d [Term: %d] peer %d matched to %d",
			c.id, c.term, pr.ID, pr.Match)

		c.maybeCommit()

		// New records arrived while the last batch was in flight:
		// ship the tail at once instead of waiting a full interval.
		if c.log.LastIndex() >= pr.Next {
			c.sendAppend(pr)
			c.timers.ArmHeartbeat(pr.ID)
		}

		c.applyEntries()
	} else {
		pr.Backoff()
		c.timers.ArmHeartbeat(pr.ID)

		log.Debugf("%d [Term: %d] peer %d rejected append, retry at %d",
			c.id, c.term, pr.ID, pr.Next)
	}
}

// handleVoteRequest runs in every role: leaders and candidates have
// voted for themselves this term and refuse naturally.
func (c *Core) handleVoteRequest(m *raftpd.VoteRequest) {
	granted := false
	if m.Term == c.term &&
		(c.vote == conf.InvalidID || c.vote == m.From) &&
		c.log.UpToDate(m.LastLogIndex, m.LastLogTerm) {
		granted = true
		c.vote = m.From
		c.timers.ArmLeader()
	}

	if granted {
		log.Infof("%d [Term: %d] grant vote to %d", c.id, c.term, m.From)
	} else {
		log.Infof("%d [Term: %d] refuse vote to %d [voted: %d, last: %d term %d]",
			c.id, c.term, m.From, c.vote, c.log.LastIndex(), c.log.LastTerm())
	}

	c.send(m.From, &raftpd.VoteResponse{
		Header:  raftpd.Header{From: c.id, Term: c.term},
		Granted: granted,
	})
}

func (c *Core) handleVoteResponse(m *raftpd.VoteResponse) {
	if !c.role.IsCandidate() || m.Term < c.term {
		return
	}

	pr, ok := c.prs[m.From]
	if !ok {
		log.Errorf("%d [Term: %d] vote response from unknown peer %d",
			c.id, c.term, m.From)
		return
	}
	pr.RecordVote(m.Granted)

	count := c.grantedVotes()
	log.Infof("%d [Term: %d] votes gathered: %d of %d",
		c.id, c.term, count, c.clusterSize())

	if count >= c.quorum() {
		c.becomeLeader()
	}
}

func (c *Core) handleLeaderTimeout() {
	if !c.role.IsFollower() {
		/* raced with a role change; the timer no longer applies */
		return
	}
	log.Infof("%d [Term: %d] leader timeout, start election", c.id, c.term)
	c.startElection()
}

func (c *Core) handleElectionTimeout() {
	if !c.role.IsCandidate() {
		return
	}
	log.Infof("%d [Term: %d] election timeout, restart election", c.id, c.term)
	c.startElection()
}

func (c *Core) handleHeartbeatTimeout(peerID uint64) {
	pr, ok := c.prs[peerID]
	if !ok {
		return
	}

	switch c.role {
	case RoleLeader:
		c.sendAppend(pr)
		c.timers.ArmHeartbeat(peerID)
	case RoleCandidate:
		c.sendVoteRequest(pr)
		c.timers.ArmHeartbeat(peerID)
	default:
		// Stale fire after stepping down; nothing to send.
	}
}
