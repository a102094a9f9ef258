/*
Package core implements the per-node consensus state machine of a
gavel cluster: a leader-based replicated log in the raft family.

Every node is a Core in exactly one of three roles. Followers accept
replication from the current leader and vote at most once per term.
Candidates solicit votes after leader silence, retransmitting on their
per-peer heartbeat timers. The leader orders client commands, tracks
per-peer replication progress, advances the commit index by majority,
and feeds committed records to the applier in index order.

A Core owns no goroutines and takes no locks: the surrounding node
serializes timer expirations and inbound RPCs into one execution
context. Outbound traffic, state-machine application and leadership
notifications go through the Application callback; timer discipline
goes through the Scheduler.
*/
package core
