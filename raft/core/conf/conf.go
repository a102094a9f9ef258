package conf

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Sentinel values for raft.
const (
	// InvalidIndex marks "no entry": an empty log has last index -1,
	// commitIndex and lastApplied start here.
	InvalidIndex int64 = -1

	// InvalidID marks "no node": no vote cast, no known leader.
	// Node ids are 1-based.
	InvalidID uint64 = 0

	InvalidTerm uint64 = 0
)

// Config given information to build the consensus core.
type Config struct {
	// ID is the identity of the local node. id cannot be 0.
	ID uint64

	// Peers lists every other node id of the cluster. Membership is
	// immutable for the life of the node.
	Peers []uint64

	// Leader timer range: armed on followers receiving valid leader
	// traffic; the interval is redrawn uniformly on each arming. On
	// fire the follower becomes candidate and starts an election.
	MinLeaderTimeout time.Duration
	MaxLeaderTimeout time.Duration

	// Election timer range: armed on candidates; on fire the
	// candidate starts a new election at a higher term.
	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration

	// HeartbeatTimeout is the fixed per-peer heartbeat interval.
	HeartbeatTimeout time.Duration

	// MinElectionDelay suppresses elections started earlier than this
	// since the previous election start.
	MinElectionDelay time.Duration
}

// Verify check whether fields of Config is valid.
func (c *Config) Verify() {
	if c.ID == InvalidID {
		log.Panicf("ID cannot be zero")
	}

	for _, peer := range c.Peers {
		if peer == InvalidID {
			log.Panicf("peer id cannot be zero")
		}
		if peer == c.ID {
			log.Panicf("%d peers must not contain self", c.ID)
		}
	}

	if c.HeartbeatTimeout <= 0 {
		log.Panicf("heartbeat timeout must be great than zero")
	}

	if c.MinLeaderTimeout <= 0 || c.MaxLeaderTimeout < c.MinLeaderTimeout {
		log.Panicf("bad leader timeout range [%v, %v]",
			c.MinLeaderTimeout, c.MaxLeaderTimeout)
	}

	if c.MinElectionTimeout <= 0 || c.MaxElectionTimeout < c.MinElectionTimeout {
		log.Panicf("bad election timeout range [%v, %v]",
			c.MinElectionTimeout, c.MaxElectionTimeout)
	}
}

// ClusterSize return the number of cluster members, self included.
func (c *Config) ClusterSize() int {
	return len(c.Peers) + 1
}
