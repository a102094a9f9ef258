package raft

import (
	"errors"

	"github.com/thinkermao/wal-go"

	"github.com/thinkermao/gavel/raft/proto"
	"github.com/thinkermao/gavel/utils"
	"github.com/thinkermao/gavel/utils/pd"
)

var errCorruptFrame = errors.New("corrupt wal frame")

// walFrame is one durable event: a hard-state change, or one log
// record landing at Index. Replaying the frames in order rebuilds the
// node state; a record frame whose Index rewinds implies the
// conflict-repair truncation.
type walFrame struct {
	State *raftpd.HardState
	Index int64
	Rec   *raftpd.Record
}

func (f *walFrame) Reset() { *f = walFrame{} }

// logStorage makes currentTerm, votedFor and the log crash-atomic on
// top of a write-ahead log. Frames are appended at a monotonic
// sequence number unrelated to record indexes.
type logStorage struct {
	wal *wal.Wal
	seq uint64
}

func createLogStorage(dir string) (*logStorage, error) {
	w, err := wal.Create(dir, 0)
	if err != nil {
		return nil, err
	}
	return &logStorage{wal: w}, nil
}

// restoreLogStorage replays an existing directory and returns the
// recovered hard state and records.
func restoreLogStorage(dir string) (
	ls *logStorage, state raftpd.HardState, records []raftpd.Record, err error) {
	var replayErr error
	var seq uint64

	reader := func(index uint64, data []byte) {
		seq = index
		var frame walFrame
		if err := pd.Unmarshal(&frame, data); err != nil {
			replayErr = err
			return
		}
		switch {
		case frame.State != nil:
			state = *frame.State
		case frame.Rec != nil:
			if frame.Index < 0 || frame.Index > int64(len(records)) {
				replayErr = errCorruptFrame
				return
			}
			// A rewound index is a replayed truncation.
			records = append(records[:frame.Index], *frame.Rec)
		}
	}

	w, err := wal.Open(dir, 0, reader)
	if err != nil {
		return nil, state, nil, err
	}
	if replayErr != nil {
		return nil, state, nil, replayErr
	}

	return &logStorage{wal: w, seq: seq}, state, records, nil
}

func (ls *logStorage) append(frame *walFrame) (<-chan error, error) {
	data, err := pd.Marshal(frame)
	if err != nil {
		return nil, err
	}
	ls.seq++
	return ls.wal.Write(ls.seq, data), nil
}

// saveState persists a term or vote change.
func (ls *logStorage) saveState(state raftpd.HardState) error {
	ch, err := ls.append(&walFrame{State: &state, Index: -1})
	if err != nil {
		return err
	}
	return <-ch
}

// saveRecords persists records landing at consecutive indexes
// starting at `at`.
func (ls *logStorage) saveRecords(at int64, records []raftpd.Record) error {
	utils.Assert(at >= 0, "records cannot land before the log start")

	chs := make([]<-chan error, 0, len(records))
	for i := range records {
		ch, err := ls.append(&walFrame{Index: at + int64(i), Rec: &records[i]})
		if err != nil {
			return err
		}
		chs = append(chs, ch)
	}

	for _, ch := range chs {
		if err := <-ch; err != nil {
			return err
		}
	}
	return nil
}

func (ls *logStorage) sync() error {
	return <-ls.wal.Sync()
}

func (ls *logStorage) close() {
	ls.wal.Close()
}
