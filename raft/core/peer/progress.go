package peer

import (
	"github.com/thinkermao/gavel/raft/core/conf"
)

// VoteState remembers a peer's answer during a candidacy, so
// duplicated responses never count twice.
type VoteState int

const (
	VoteNone VoteState = iota
	VoteGranted
	VoteRejected
)

var voteStateStr = []string{
	"None",
	"Granted",
	"Rejected",
}

func (s VoteState) String() string {
	return voteStateStr[s]
}

// Progress is the leader-side replication bookkeeping for one peer.
//
// Next is the next log index to send; Match the highest index known
// replicated; LastSent the highest index last transmitted. Responses
// carry no match index, so a success folds LastSent into Match: the
// entries acknowledged are exactly the ones last put on the wire.
type Progress struct {
	ID uint64

	Next     int64
	Match    int64
	LastSent int64

	Vote VoteState

	// msgNum tags outbound requests to this peer in FIFO order.
	msgNum int64
}

// Make return an initialized Progress for peer id.
func Make(id uint64) *Progress {
	return &Progress{
		ID:       id,
		Next:     0,
		Match:    conf.InvalidIndex,
		LastSent: conf.InvalidIndex,
	}
}

// ResetForLeader reinitializes the progress when the local node wins
// an election over a log of logLen records.
func (p *Progress) ResetForLeader(logLen int64) {
	p.Next = logLen
	p.Match = conf.InvalidIndex
	p.LastSent = logLen - 1
	p.msgNum = 0
}

// NextMessageNum return the number tagging the next outbound request.
func (p *Progress) NextMessageNum() int64 {
	num := p.msgNum
	p.msgNum++
	return num
}

// AdvanceOnSuccess folds the last transmission into the match state
// after the peer acknowledged it.
func (p *Progress) AdvanceOnSuccess() {
	p.Match = p.LastSent
	p.Next = p.LastSent + 1
}

// Backoff retreats Next by one after a log-mismatch rejection; the
// next heartbeat retries at the lower index.
func (p *Progress) Backoff() {
	if p.Next > 0 {
		p.Next--
	}
}

// RecordVote stores the peer's answer for the current candidacy.
func (p *Progress) RecordVote(granted bool) {
	if granted {
		p.Vote = VoteGranted
	} else {
		p.Vote = VoteRejected
	}
}

// ResetVote forgets the previous candidacy's answer.
func (p *Progress) ResetVote() {
	p.Vote = VoteNone
}
