package machine

import (
	"context"
	"errors"

	"github.com/thinkermao/gavel/raft/proto"
)

// ErrUnknownCommand marks a command type outside the vocabulary.
// Reaching the applier with one is a programmer error and fatal.
var ErrUnknownCommand = errors.New("unknown command type")

// StateMachine is the back end the applier feeds committed records
// to, strictly in log order. The returned value resolves the
// submitter's completion handle; the returned error is the domain
// outcome (bid too low, duplicate user), not a transport failure.
type StateMachine interface {
	Apply(ctx context.Context, cmd raftpd.CommandType, payload []byte) ([]byte, error)
}

// Disabled is the disabled-backend mode: commands vanish, the applier
// still advances and completion handles resolve with a nil result.
type Disabled struct{}

func (Disabled) Apply(_ context.Context, cmd raftpd.CommandType, _ []byte) ([]byte, error) {
	if !cmd.Valid() {
		return nil, ErrUnknownCommand
	}
	return nil, nil
}
