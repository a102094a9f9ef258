package raftpd

import (
	"encoding/gob"
	"fmt"
)

// CommandType tags the operation a log record carries. The vocabulary
// is fixed; the applier treats any other value as a programmer error.
type CommandType uint8

const (
	CmdNewUser CommandType = iota
	CmdNewAuction
	CmdCloseAuction
	CmdNewBid
)

var commandTypeStr = []string{
	"NewUser",
	"NewAuction",
	"CloseAuction",
	"NewBid",
}

func (t CommandType) String() string {
	if int(t) >= len(commandTypeStr) {
		return fmt.Sprintf("Command(%d)", uint8(t))
	}
	return commandTypeStr[t]
}

// Valid reports whether t belongs to the command vocabulary.
func (t CommandType) Valid() bool {
	return int(t) < len(commandTypeStr)
}

// Completion is a one-shot notifier fulfilled once the record commits
// and has been applied to the state machine.
type Completion interface {
	Fulfill(value []byte, err error)
}

// Record is one command plus the term in which the leader first
// appended it. Records are created only by the leader on submission,
// appended on followers by replication, and truncated only by the
// conflict-repair rule; they are never reordered or mutated in place.
type Record struct {
	Term uint64
	Type CommandType
	Data []byte

	// done is owned exclusively by the originating leader; replicated
	// copies carry none. Unexported so it never crosses the wire.
	done Completion
}

func (r *Record) Reset() { *r = Record{} }

func (r Record) String() string {
	return fmt.Sprintf("raftpd.Record{term: %d, type: %v, data: %d bytes}",
		r.Term, r.Type, len(r.Data))
}

// SetCompletion attaches the submitter's completion handle.
func (r *Record) SetCompletion(done Completion) { r.done = done }

// TakeCompletion returns the completion handle and clears it.
func (r *Record) TakeCompletion() Completion {
	done := r.done
	r.done = nil
	return done
}

// HardState is the logically persistent part of a node: currentTerm
// and votedFor. Implementations that add durability store it together
// with the log before any outbound RPC referencing it.
type HardState struct {
	Term uint64
	Vote uint64
}

func (s *HardState) Reset() { *s = HardState{} }

func (s HardState) String() string {
	return fmt.Sprintf("raftpd.HardState{term: %d, vote: %d}", s.Term, s.Vote)
}

func init() {
	gob.Register(Record{})
	gob.Register(HardState{})
}
