package verify

import (
	"testing"
	"time"

	"github.com/thinkermao/gavel/simu/app"
	"github.com/thinkermao/gavel/simu/env"
)

func sleep(d time.Duration) {
	time.Sleep(d)
}

func TestCluster_InitialElection(t *testing.T) {
	servers := 3
	cluster := env.MakeEnvironment(t, servers)
	defer cluster.Cleanup()

	// is a leader elected?
	cluster.CheckOneLeader()

	// does the leader+term stay the same if there is no network failure?
	term1 := cluster.CheckTerms()
	sleep(3 * app.ElectionTimeout)
	term2 := cluster.CheckTerms()
	if term1 != term2 {
		t.Logf("warning: term changed even though there were no failures")
	}
}

func TestCluster_ReElection(t *testing.T) {
	servers := 3
	cluster := env.MakeEnvironment(t, servers)
	defer cluster.Cleanup()

	leader1 := cluster.CheckOneLeader()

	// if the leader disconnects, a new one should be elected.
	cluster.Disconnect(leader1)
	leader2 := cluster.CheckOneLeader()

	// the old leader rejoins with a stale term; it may force another
	// election, but the cluster converges back to a single leader.
	cluster.Connect(leader1)
	sleep(3 * app.HeartbeatTimeout)
	leader2 = cluster.CheckOneLeader()

	// if there's no quorum, no leader should be elected.
	cluster.Disconnect(leader2)
	cluster.Disconnect((leader2 + 1) % servers)
	sleep(3 * app.ElectionTimeout)
	cluster.CheckNoLeader()

	// if a quorum arises, it should elect a leader.
	cluster.Connect((leader2 + 1) % servers)
	cluster.CheckOneLeader()

	// re-join of last node shouldn't prevent leader from existing.
	cluster.Connect(leader2)
	cluster.CheckOneLeader()
}

func TestCluster_BasicAgree(t *testing.T) {
	servers := 3
	cluster := env.MakeEnvironment(t, servers)
	defer cluster.Cleanup()

	for iters := 0; iters < 3; iters++ {
		nd, _ := cluster.CommittedNumber(int64(iters))
		if nd > 0 {
			t.Fatalf("some have committed before any submission")
		}

		index := cluster.One(100+iters, servers)
		if index != int64(iters) {
			t.Fatalf("got index %v but expected %v", index, iters)
		}
	}
}

func TestCluster_FollowerCatchUp(t *testing.T) {
	servers := 3
	cluster := env.MakeEnvironment(t, servers)
	defer cluster.Cleanup()

	cluster.One(101, servers)

	// partition one follower away while the rest commit.
	leader := cluster.CheckOneLeader()
	follower := (leader + 1) % servers
	cluster.Disconnect(follower)

	cluster.One(102, servers-1)
	cluster.One(103, servers-1)
	cluster.One(104, servers-1)
	cluster.One(105, servers-1)

	// on reconnection the follower must converge.
	cluster.Connect(follower)
	index := cluster.One(106, servers)

	cluster.Wait(index, servers, 0)
	if err := cluster.LogsConverged(leader, follower, int(index)+1); err != nil {
		t.Fatalf("follower did not converge: %v", err)
	}
}

func TestCluster_NoAgreeWithoutQuorum(t *testing.T) {
	servers := 5
	cluster := env.MakeEnvironment(t, servers)
	defer cluster.Cleanup()

	cluster.One(10, servers)

	// 3 of the 4 followers disconnect: no quorum remains.
	leader := cluster.CheckOneLeader()
	cluster.Disconnect((leader + 1) % servers)
	cluster.Disconnect((leader + 2) % servers)
	cluster.Disconnect((leader + 3) % servers)

	index, ok := cluster.Propose(leader, 20)
	if !ok {
		t.Fatalf("leader rejected the submission")
	}
	if index != 1 {
		t.Fatalf("expected index 1, got %v", index)
	}

	sleep(2 * app.ElectionTimeout)

	if nd, _ := cluster.CommittedNumber(index); nd > 0 {
		t.Fatalf("%v committed but no majority", nd)
	}

	// repair the partition; agreement resumes.
	cluster.Connect((leader + 1) % servers)
	cluster.Connect((leader + 2) % servers)
	cluster.Connect((leader + 3) % servers)

	cluster.One(30, servers)
}

func TestCluster_OldLeaderRejoin(t *testing.T) {
	servers := 3
	cluster := env.MakeEnvironment(t, servers)
	defer cluster.Cleanup()

	cluster.One(101, servers)

	// the leader strands some submissions in a minority partition.
	leader1 := cluster.CheckOneLeader()
	cluster.Disconnect(leader1)
	cluster.Propose(leader1, 102)
	cluster.Propose(leader1, 103)
	cluster.Propose(leader1, 104)

	// the surviving majority keeps committing.
	cluster.One(1102, servers-1)

	// the stranded leader rejoins: its uncommitted tail must be
	// repaired to the new leader's log.
	cluster.Connect(leader1)
	index := cluster.One(1105, servers)

	cluster.Wait(index, servers, 0)

	leader2 := cluster.CheckOneLeader()
	if err := cluster.LogsConverged(leader2, leader1, int(index)+1); err != nil {
		t.Fatalf("old leader did not converge: %v", err)
	}
}
