package raftpd

import (
	"bytes"
	"encoding/gob"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Each RPC direction has its own message type instead of a shared tag
// with an isResponse flag:
//
// Message from leader:
// - AppendRequest
// - SnapshotRequest (reserved, ignored by receivers)
//
// Message from follower:
// - AppendResponse
// - SnapshotResponse (reserved)
//
// Message from candidate:
// - VoteRequest
//
// Message from all servers:
// - VoteResponse
//
// Every message carries the sender id, the sender's term, and a
// per-destination message number assigned at send time. Recipients
// must tolerate duplicates and out-of-order delivery: a follower drops
// any AppendRequest whose MessageNum is not beyond the last one it
// accepted from the current leader.

// Header is the part common to every message. MessageNum is
// monotonically increasing per destination; -1 marks "never seen" on
// the receiving side, so the counter itself starts at 0.
type Header struct {
	From       uint64
	Term       uint64
	MessageNum int64
}

// Hdr makes every message carrying a Header implement Message.
func (h Header) Hdr() Header { return h }

// Message is the envelope contract of all peer RPCs.
type Message interface {
	Hdr() Header
}

// AppendRequest replicates log records and doubles as heartbeat when
// Entries is empty.
type AppendRequest struct {
	Header
	PrevLogIndex int64
	PrevLogTerm  uint64
	Entries      []Record
	LeaderCommit int64
}

func (m AppendRequest) String() string {
	return fmt.Sprintf("AppendRequest{from: %d, term: %d, num: %d, prev: %d [term: %d], entries: %d, commit: %d}",
		m.From, m.Term, m.MessageNum, m.PrevLogIndex, m.PrevLogTerm, len(m.Entries), m.LeaderCommit)
}

// AppendResponse carries no match index; the leader recovers it from
// its own lastSent bookkeeping at the time success arrives.
type AppendResponse struct {
	Header
	Success     bool
	CommitIndex int64
	LastApplied int64
}

func (m AppendResponse) String() string {
	return fmt.Sprintf("AppendResponse{from: %d, term: %d, success: %v, commit: %d, applied: %d}",
		m.From, m.Term, m.Success, m.CommitIndex, m.LastApplied)
}

// VoteRequest solicits a vote for the sender at Term.
type VoteRequest struct {
	Header
	LastLogIndex int64
	LastLogTerm  uint64
}

func (m VoteRequest) String() string {
	return fmt.Sprintf("VoteRequest{from: %d, term: %d, num: %d, last: %d [term: %d]}",
		m.From, m.Term, m.MessageNum, m.LastLogIndex, m.LastLogTerm)
}

// VoteResponse answers a VoteRequest.
type VoteResponse struct {
	Header
	Granted bool
}

func (m VoteResponse) String() string {
	return fmt.Sprintf("VoteResponse{from: %d, term: %d, granted: %v}",
		m.From, m.Term, m.Granted)
}

// SnapshotRequest is reserved for log compaction; receivers ignore it.
type SnapshotRequest struct {
	Header
	LastIncludedIndex int64
	LastIncludedTerm  uint64
	Data              []byte
}

// SnapshotResponse is reserved together with SnapshotRequest.
type SnapshotResponse struct {
	Header
	Success bool
}

// Envelope wraps a Message so the concrete type survives a gob
// round-trip across connections and the simulated network.
type Envelope struct {
	Msg Message
}

func (e *Envelope) Reset() { *e = Envelope{} }

// Encode serializes msg for transmission.
func Encode(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&Envelope{Msg: msg}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for messages built by the core itself.
func MustEncode(msg Message) []byte {
	data, err := Encode(msg)
	if err != nil {
		log.Panicf("encode should never fail (%v)", err)
	}
	return data
}

// Decode deserializes one message produced by Encode.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := gob.NewDecoder(bytes.NewBuffer(data)).Decode(&env); err != nil {
		return nil, err
	}
	return env.Msg, nil
}

func init() {
	gob.Register(&AppendRequest{})
	gob.Register(&AppendResponse{})
	gob.Register(&VoteRequest{})
	gob.Register(&VoteResponse{})
	gob.Register(&SnapshotRequest{})
	gob.Register(&SnapshotResponse{})
}
