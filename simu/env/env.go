// Package env drives an in-process gavel cluster over a simulated
// network, with the agreement checks the scenario tests build on.
package env

import (
	"fmt"
	"testing"
	"time"

	"github.com/thinkermao/network-simu-go"

	"github.com/thinkermao/gavel/simu/app"
)

// Environment is one simulated cluster.
type Environment struct {
	t          *testing.T
	net        network.Network
	totalNodes int
	apps       []*app.App
}

// MakeEnvironment return a running cluster of num connected nodes.
func MakeEnvironment(t *testing.T, num int) *Environment {
	builder := network.CreateBuilder()
	env := &Environment{t: t, totalNodes: num}

	for i := 0; i < num; i++ {
		handler := builder.AddEndpoint()
		env.apps = append(env.apps, app.Make(handler))
	}
	env.net = builder.Build()

	nodes := make([]uint64, 0, num)
	for i := 0; i < num; i++ {
		nodes = append(nodes, env.apps[i].ID())
	}

	for i := 0; i < num; i++ {
		if err := env.apps[i].Start(nodes); err != nil {
			t.Fatalf("start node %d: %v", i, err)
		}
		env.Connect(i)
	}

	return env
}

// Cleanup stops every node.
func (env *Environment) Cleanup() {
	for i := 0; i < len(env.apps); i++ {
		if env.apps[i] != nil {
			env.apps[i].Shutdown()
		}
	}
}

// Connect attach server i to the net.
func (env *Environment) Connect(i int) {
	env.net.Enable(i)
}

// Disconnect detach server i from the net.
func (env *Environment) Disconnect(i int) {
	env.net.Disable(i)
}

// Crash1 shut down one node; its endpoint stays registered so a
// restart reuses the same identity.
func (env *Environment) Crash1(i int) {
	env.Disconnect(i)
	env.apps[i].Shutdown()
}

// Propose send one command to server i.
func (env *Environment) Propose(i int, num int) (int64, bool) {
	return env.apps[i].Propose(num)
}

// GetState return the term of server i and whether it leads.
func (env *Environment) GetState(i int) (uint64, bool) {
	return env.apps[i].GetState()
}

// CheckOneLeader check that there's exactly one leader.
// try a few times in case re-elections are needed.
func (env *Environment) CheckOneLeader() int {
	for iters := 0; iters < 10; iters++ {
		time.Sleep(app.ElectionTimeout)

		leaders := make(map[uint64][]int)
		for i := 0; i < env.totalNodes; i++ {
			if env.net.IsEnable(i) {
				if term, leader := env.apps[i].GetState(); leader {
					leaders[term] = append(leaders[term], i)
				}
			}
		}

		lastTermWithLeader := uint64(0)
		found := false
		for term, holders := range leaders {
			if len(holders) > 1 {
				env.t.Fatalf("term %d has %d (>1) leaders", term, len(holders))
			}
			if term >= lastTermWithLeader {
				lastTermWithLeader = term
				found = true
			}
		}

		if found {
			return leaders[lastTermWithLeader][0]
		}
	}
	env.t.Fatalf("expected one leader, got none")
	return -1
}

// CheckTerms check that everyone agrees on the term.
func (env *Environment) CheckTerms() uint64 {
	var term uint64
	seen := false
	for i := 0; i < env.totalNodes; i++ {
		if env.net.IsEnable(i) {
			xterm, _ := env.apps[i].GetState()
			if !seen {
				term = xterm
				seen = true
			} else if term != xterm {
				env.t.Fatalf("servers disagree on term")
			}
		}
	}
	return term
}

// CheckNoLeader check that no connected node claims leadership.
func (env *Environment) CheckNoLeader() {
	for i := 0; i < env.totalNodes; i++ {
		if env.net.IsEnable(i) {
			if _, isLeader := env.apps[i].GetState(); isLeader {
				env.t.Fatalf("expected no leader, but %v claims to be leader", i)
			}
		}
	}
}

// CommittedNumber how many servers applied the entry at index, and
// what command it was.
func (env *Environment) CommittedNumber(index int64) (int, int) {
	count := 0
	cmd := -1
	for i := 0; i < len(env.apps); i++ {
		if err := env.apps[i].ApplyError(); err != nil {
			env.t.Fatal(err)
		}

		value, ok := env.apps[i].LogAt(int(index))
		if ok {
			if count > 0 && cmd != value {
				env.t.Fatalf("committed values do not match: index %v, %v, %v",
					index, cmd, value)
			}
			count++
			cmd = value
		}
	}
	return count, cmd
}

// Wait for at least n servers to apply index, but don't wait forever.
func (env *Environment) Wait(index int64, n int, startTerm uint64) int {
	to := 10 * time.Millisecond
	for iters := 0; iters < 30; iters++ {
		nd, _ := env.CommittedNumber(index)
		if nd >= n {
			break
		}
		time.Sleep(to)
		if to < time.Second {
			to *= 2
		}
		if startTerm > 0 {
			for _, a := range env.apps {
				if t, _ := a.GetState(); t > startTerm {
					// someone has moved on,
					// can no longer guarantee that we'll "win"
					return -1
				}
			}
		}
	}
	nd, cmd := env.CommittedNumber(index)
	if nd < n {
		env.t.Fatalf("only %d decided for index %d; wanted %d",
			nd, index, n)
	}
	return cmd
}

// One do a complete agreement: submit cmd somewhere, wait until
// expectedServers applied it, and return the index it landed at.
// Re-submits on leader changes; gives up after about 10 seconds.
func (env *Environment) One(cmd int, expectedServers int) int64 {
	t0 := time.Now()
	starts := 0
	for time.Since(t0).Seconds() < 10 {
		// try all the servers, maybe one is the leader.
		index := int64(-1)
		for si := 0; si < env.totalNodes; si++ {
			starts = (starts + 1) % env.totalNodes
			if !env.net.IsEnable(starts) {
				continue
			}
			if index1, ok := env.apps[starts].Propose(cmd); ok {
				index = index1
				break
			}
		}

		if index != -1 {
			// somebody claimed to be the leader and to have
			// submitted our command; wait a while for agreement.
			t1 := time.Now()
			for time.Since(t1).Seconds() < 2 {
				nd, cmd1 := env.CommittedNumber(index)
				if nd > 0 && nd >= expectedServers && cmd1 == cmd {
					// committed, and it was the command we submitted.
					return index
				}
				time.Sleep(20 * time.Millisecond)
			}
		} else {
			time.Sleep(50 * time.Millisecond)
		}
	}
	env.t.Fatalf("One(%v) failed to reach agreement", cmd)
	return -1
}

// LogsConverged check that servers a and b applied identical
// prefixes of at least length n.
func (env *Environment) LogsConverged(a, b, n int) error {
	for idx := 0; idx < n; idx++ {
		va, oka := env.apps[a].LogAt(idx)
		vb, okb := env.apps[b].LogAt(idx)
		if !oka || !okb {
			return fmt.Errorf("index %d missing [a: %v, b: %v]", idx, oka, okb)
		}
		if va != vb {
			return fmt.Errorf("index %d differs [a: %v, b: %v]", idx, va, vb)
		}
	}
	return nil
}
