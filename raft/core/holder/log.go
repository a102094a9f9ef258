package holder

import (
	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/gavel/raft/core/conf"
	"github.com/thinkermao/gavel/raft/proto"
	"github.com/thinkermao/gavel/utils"
)

// Log holds the in-memory ordered command log. Indexes are 0-based;
// conf.InvalidIndex (-1) means "before the first record".
//
// [0, stabled, lastIndex]
// +--------------------+-------------+
// |   wait for sync    | wait stable |
// +--------------------+-------------+
// ^ 0                  ^ stabled     ^ last
//
// stabled tracks what a durable storage back end has already seen;
// the in-memory mode simply never asks for the stable tail.
type Log struct {
	// raft inner id, for logging only.
	id uint64

	stabled int64

	records []raftpd.Record
}

// New create & initialize an empty Log, and returns.
func New(id uint64) *Log {
	return &Log{id: id, stabled: conf.InvalidIndex}
}

// Rebuild construction log from exists records, all marked stable.
func Rebuild(id uint64, records []raftpd.Record) *Log {
	dup := make([]raftpd.Record, len(records))
	copy(dup, records)

	log.Debugf("%d rebuild log [records: %d]", id, len(dup))

	return &Log{
		id:      id,
		stabled: int64(len(dup)) - 1,
		records: dup,
	}
}

// Length return the number of records.
func (l *Log) Length() int64 {
	return int64(len(l.records))
}

// LastIndex return the index of the last record,
// conf.InvalidIndex when the log is empty.
func (l *Log) LastIndex() int64 {
	return int64(len(l.records)) - 1
}

// LastTerm return the term of the last record,
// conf.InvalidTerm when the log is empty.
func (l *Log) LastTerm() uint64 {
	return l.TermAt(l.LastIndex())
}

// TermAt return the term of the record at idx,
// conf.InvalidTerm when there is no such record.
func (l *Log) TermAt(idx int64) uint64 {
	if idx < 0 || idx >= l.Length() {
		return conf.InvalidTerm
	}
	return l.records[idx].Term
}

// At return a pointer to the record at idx, nil when out of range.
func (l *Log) At(idx int64) *raftpd.Record {
	if idx < 0 || idx >= l.Length() {
		return nil
	}
	return &l.records[idx]
}

// Append push one record at back and return its index.
func (l *Log) Append(rec raftpd.Record) int64 {
	l.records = append(l.records, rec)
	return l.LastIndex()
}

// Slice return a copy of the records in [lo, hi).
func (l *Log) Slice(lo, hi int64) []raftpd.Record {
	utils.Assert(0 <= lo && lo <= hi && hi <= l.Length(),
		"%d slice [%d, %d) out of range [length: %d]", l.id, lo, hi, l.Length())

	dup := make([]raftpd.Record, hi-lo)
	copy(dup, l.records[lo:hi])
	return dup
}

// Tail return a copy of the records from `from` to the end. A `from`
// beyond the last record yields an empty slice.
func (l *Log) Tail(from int64) []raftpd.Record {
	if from >= l.Length() {
		return nil
	}
	return l.Slice(from, l.Length())
}

// TruncateFrom drop the record at idx and everything after it,
// returning the dropped records. Only the conflict-repair rule calls
// this; a leader never truncates its own log within its term.
func (l *Log) TruncateFrom(idx int64) []raftpd.Record {
	utils.Assert(idx >= 0, "%d truncate at negative index %d", l.id, idx)

	if idx >= l.Length() {
		return nil
	}

	dropped := make([]raftpd.Record, l.Length()-idx)
	copy(dropped, l.records[idx:])
	l.records = l.records[:idx]
	l.stabled = utils.MinInt64(l.stabled, idx-1)

	log.Debugf("%d truncate log to length %d [dropped: %d]",
		l.id, idx, len(dropped))

	return dropped
}

// MatchesAt report whether the record at idx exists and carries term.
// idx -1 matches the empty prefix by definition.
func (l *Log) MatchesAt(idx int64, term uint64) bool {
	if idx < 0 {
		return true
	}
	return idx < l.Length() && l.records[idx].Term == term
}

// UpToDate report whether a candidate log described by (lastIdx,
// lastTerm) is at least as up-to-date as this one: either this log has
// fewer records than lastIdx+1, or its record at lastIdx carries
// lastTerm.
func (l *Log) UpToDate(lastIdx int64, lastTerm uint64) bool {
	if l.Length() < lastIdx+1 {
		return true
	}
	if lastIdx < 0 {
		// empty candidate log is up-to-date only with an empty log
		return l.Length() == 0
	}
	return l.TermAt(lastIdx) == lastTerm
}

// StableRecords mark all records beyond stabled as stable and return
// them, oldest first, together with the index of the first one.
func (l *Log) StableRecords() (int64, []raftpd.Record) {
	first := l.stabled + 1
	if first >= l.Length() {
		return first, nil
	}
	records := l.Slice(first, l.Length())
	l.stabled = l.LastIndex()
	return first, records
}
