// Package transport carries peer RPCs over long-lived TCP
// connections. Frames are gob streams; the first frame of every
// connection is a handshake naming the dialing peer, and connections
// from ids outside the configured cluster are rejected.
package transport

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/gavel/raft/proto"
)

const dialTimeout = 500 * time.Millisecond

// Handler consumes authenticated inbound messages.
type Handler func(from uint64, msg raftpd.Message)

type handshake struct {
	ID uint64
}

// Transport is the peer socket layer of one node. Outbound
// connections are established lazily and re-established on the next
// send after a failure; a send that finds no connection is message
// loss, repaired by the heartbeat cycle.
type Transport struct {
	id      uint64
	addr    string
	peers   map[uint64]string
	handler Handler

	ln net.Listener

	mu    sync.Mutex
	conns map[uint64]*outbound

	closed  chan struct{}
	closeMu sync.Once
	wg      sync.WaitGroup
}

type outbound struct {
	conn net.Conn
	enc  *gob.Encoder
}

// New build a transport for the local node. peers maps every remote
// id to its protocol address.
func New(id uint64, addr string, peers map[uint64]string, handler Handler) *Transport {
	return &Transport{
		id:      id,
		addr:    addr,
		peers:   peers,
		handler: handler,
		conns:   make(map[uint64]*outbound, len(peers)),
		closed:  make(chan struct{}),
	}
}

// Start opens the protocol listener.
func (t *Transport) Start() error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("protocol listen on %s: %w", t.addr, err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptLoop()

	log.Infof("%d protocol listener on %s", t.id, t.addr)
	return nil
}

// Addr return the bound listener address, useful when the configured
// address picked an ephemeral port.
func (t *Transport) Addr() string {
	if t.ln == nil {
		return t.addr
	}
	return t.ln.Addr().String()
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			log.Errorf("%d accept: %v", t.id, err)
			return
		}

		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

// serveConn authenticates the handshake and then feeds inbound
// frames to the handler until the connection dies.
func (t *Transport) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	// Close disconnects inbound sockets too: unblock the decoder once
	// the transport shuts down.
	served := make(chan struct{})
	defer close(served)
	go func() {
		select {
		case <-t.closed:
			conn.Close()
		case <-served:
		}
	}()

	dec := gob.NewDecoder(conn)

	var hello handshake
	if err := dec.Decode(&hello); err != nil {
		log.Errorf("%d handshake from %s: %v", t.id, conn.RemoteAddr(), err)
		return
	}
	if _, known := t.peers[hello.ID]; !known {
		log.Errorf("%d reject connection from unknown peer %d [%s]",
			t.id, hello.ID, conn.RemoteAddr())
		return
	}

	log.Debugf("%d accepted peer %d [%s]", t.id, hello.ID, conn.RemoteAddr())

	for {
		var env raftpd.Envelope
		if err := dec.Decode(&env); err != nil {
			select {
			case <-t.closed:
			default:
				log.Debugf("%d peer %d connection lost: %v", t.id, hello.ID, err)
			}
			return
		}
		if env.Msg == nil {
			continue
		}
		t.handler(hello.ID, env.Msg)
	}
}

// Send delivers msg to peer `to`, dialing if needed. Errors mean the
// message is lost; the connection is dropped and redialed lazily.
func (t *Transport) Send(to uint64, msg raftpd.Message) error {
	out, err := t.connection(to)
	if err != nil {
		return err
	}

	if err := out.enc.Encode(&raftpd.Envelope{Msg: msg}); err != nil {
		t.dropConnection(to, out)
		return fmt.Errorf("send to %d: %w", to, err)
	}
	return nil
}

func (t *Transport) connection(to uint64) (*outbound, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if out, ok := t.conns[to]; ok {
		return out, nil
	}

	addr, ok := t.peers[to]
	if !ok {
		return nil, fmt.Errorf("unknown peer %d", to)
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial peer %d: %w", to, err)
	}

	enc := gob.NewEncoder(conn)
	if err := enc.Encode(&handshake{ID: t.id}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with peer %d: %w", to, err)
	}

	out := &outbound{conn: conn, enc: enc}
	t.conns[to] = out

	log.Debugf("%d connected to peer %d [%s]", t.id, to, addr)
	return out, nil
}

func (t *Transport) dropConnection(to uint64, out *outbound) {
	t.mu.Lock()
	if t.conns[to] == out {
		delete(t.conns, to)
	}
	t.mu.Unlock()
	out.conn.Close()
}

// Close stops the listener and disconnects every peer socket.
func (t *Transport) Close() error {
	t.closeMu.Do(func() {
		close(t.closed)
		if t.ln != nil {
			t.ln.Close()
		}

		t.mu.Lock()
		for to, out := range t.conns {
			out.conn.Close()
			delete(t.conns, to)
		}
		t.mu.Unlock()

		t.wg.Wait()
	})
	return nil
}
