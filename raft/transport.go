package raft

import (
	"github.com/thinkermao/gavel/raft/proto"
)

// Transporter is the peer-facing sending half the node consumes. The
// node never observes connection state: a failed send is message loss
// repaired by the heartbeat cycle.
type Transporter interface {
	Send(to uint64, msg raftpd.Message) error
	Close() error
}
