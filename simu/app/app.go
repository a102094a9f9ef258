// Package app wraps one gavel node for the in-process cluster
// harness: the simulated network stands in for the TCP transport and
// a recording state machine stands in for the auction back end.
package app

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/network-simu-go"

	"github.com/thinkermao/gavel/raft"
	"github.com/thinkermao/gavel/raft/core/conf"
	"github.com/thinkermao/gavel/raft/proto"
)

// Cluster timing used by every harness node. Tests sleep in
// multiples of these.
const (
	MinLeaderTimeout = 150 * time.Millisecond
	MaxLeaderTimeout = 300 * time.Millisecond
	ElectionTimeout  = 300 * time.Millisecond
	HeartbeatTimeout = 40 * time.Millisecond
)

// logMachine records every applied payload in application order.
// The applier feeds records strictly in index order and at most once,
// so position i holds the command committed at log index i.
type logMachine struct {
	mu     sync.Mutex
	values []int
	err    error
}

func (m *logMachine) Apply(_ context.Context, cmd raftpd.CommandType, payload []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(payload) != 8 {
		m.err = fmt.Errorf("malformed harness payload: %d bytes", len(payload))
		return nil, m.err
	}
	value := int(binary.LittleEndian.Uint64(payload))
	m.values = append(m.values, value)
	return payload, nil
}

func (m *logMachine) at(index int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.values) {
		return 0, false
	}
	return m.values[index], true
}

func (m *logMachine) length() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

func (m *logMachine) applyError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// App is one harness node. Node ids are the endpoint index plus one,
// since id zero is reserved for "no node".
type App struct {
	id      uint64
	handler network.Handler

	mu      sync.Mutex
	node    *raft.Node
	machine *logMachine
}

// Make binds a fresh App to a simulated endpoint.
func Make(handler network.Handler) *App {
	app := &App{
		id:      uint64(handler.ID()) + 1,
		handler: handler,
	}
	handler.BindReceiver(app.receive)
	return app
}

// ID return the harness node id.
func (app *App) ID() uint64 { return app.id }

func (app *App) getNode() *raft.Node {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.node
}

func (app *App) receive(from int, data []byte) {
	node := app.getNode()
	if node == nil {
		return
	}

	msg, err := raftpd.Decode(data)
	if err != nil {
		log.Errorf("app %d decode inbound message: %v", app.id, err)
		return
	}
	node.Deliver(uint64(from)+1, msg)
}

// Send implements raft.Transporter over the simulated network.
func (app *App) Send(to uint64, msg raftpd.Message) error {
	data, err := raftpd.Encode(msg)
	if err != nil {
		return err
	}
	return app.handler.Call(int(to)-1, data)
}

// Close implements raft.Transporter; the endpoint outlives the node.
func (app *App) Close() error { return nil }

// LeadershipChanged implements raft.LeadershipListener.
func (app *App) LeadershipChanged(uint64) {}

// Start boots (or reboots) the node with the given cluster members.
func (app *App) Start(nodes []uint64) error {
	app.Shutdown()

	peers := make([]uint64, 0, len(nodes)-1)
	for _, id := range nodes {
		if id != app.id {
			peers = append(peers, id)
		}
	}

	config := &conf.Config{
		ID:                 app.id,
		Peers:              peers,
		MinLeaderTimeout:   MinLeaderTimeout,
		MaxLeaderTimeout:   MaxLeaderTimeout,
		MinElectionTimeout: MinLeaderTimeout,
		MaxElectionTimeout: MaxLeaderTimeout,
		HeartbeatTimeout:   HeartbeatTimeout,
		MinElectionDelay:   HeartbeatTimeout,
	}

	m := &logMachine{}
	node, err := raft.NewNode(config, raft.Options{
		Machine:   m,
		Transport: app,
		Listener:  app,
	})
	if err != nil {
		return err
	}

	app.mu.Lock()
	app.node = node
	app.machine = m
	app.mu.Unlock()

	return nil
}

// Shutdown stops the node; the recorded log survives for inspection.
func (app *App) Shutdown() {
	app.mu.Lock()
	node := app.node
	app.node = nil
	app.mu.Unlock()

	if node != nil {
		node.Stop()
	}
}

// Propose submits one harness command, returning its log index and
// whether this node accepted it as leader.
func (app *App) Propose(num int) (int64, bool) {
	node := app.getNode()
	if node == nil {
		return conf.InvalidIndex, false
	}

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(num))

	future, err := node.Submit(raftpd.CmdNewUser, payload)
	if err != nil {
		return conf.InvalidIndex, false
	}
	return future.Index(), true
}

// GetState return currentTerm and whether this node believes it
// leads.
func (app *App) GetState() (uint64, bool) {
	node := app.getNode()
	if node == nil {
		return 0, false
	}
	st := node.Status()
	return st.Term, st.IsLeader
}

// LogAt return the applied command at index.
func (app *App) LogAt(index int) (int, bool) {
	app.mu.Lock()
	m := app.machine
	app.mu.Unlock()
	if m == nil {
		return 0, false
	}
	return m.at(index)
}

// LogLength return how many commands this node applied.
func (app *App) LogLength() int {
	app.mu.Lock()
	m := app.machine
	app.mu.Unlock()
	if m == nil {
		return 0
	}
	return m.length()
}

// ApplyError return the first malformed apply observed, if any.
func (app *App) ApplyError() error {
	app.mu.Lock()
	m := app.machine
	app.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.applyError()
}
