// Package router is the client-facing web surface: it turns HTTP
// requests into cluster commands, awaits their commit, and drops
// client sessions whenever leadership moves away from this node.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/gavel/machine"
	"github.com/thinkermao/gavel/raft"
	"github.com/thinkermao/gavel/raft/proto"
)

const defaultCommitTimeout = 5 * time.Second

// Cluster is the consensus-side surface the router submits to.
type Cluster interface {
	Submit(cmdType raftpd.CommandType, payload []byte) (*raft.Future, error)
	Status() raft.Status
}

// Server carries the HTTP handlers and the session table.
type Server struct {
	cluster Cluster

	// store backs read-only endpoints; reads are served from local
	// state and make no linearizability promise.
	store *machine.Store

	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]string // token -> username
}

// New build a router over cluster. store may be nil when the back
// end is disabled; the read endpoints answer 404 then.
func New(cluster Cluster, store *machine.Store) *Server {
	return &Server{
		cluster:  cluster,
		store:    store,
		timeout:  defaultCommitTimeout,
		sessions: make(map[string]string),
	}
}

// LeadershipChanged implements raft.LeadershipListener: client
// sessions die with the leadership that issued them.
func (s *Server) LeadershipChanged(leader uint64) {
	s.mu.Lock()
	n := len(s.sessions)
	s.sessions = make(map[string]string)
	s.mu.Unlock()

	if n > 0 {
		log.Infof("router: leadership moved [leader: %d], dropped %d sessions", leader, n)
	}
}

// Handler return the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Post("/users", s.handleNewUser)
	r.Post("/sessions", s.handleLogin)
	r.Post("/auctions", s.handleNewAuction)
	r.Get("/auctions/{id}", s.handleGetAuction)
	r.Post("/auctions/{id}/close", s.handleCloseAuction)
	r.Post("/auctions/{id}/bids", s.handleNewBid)

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cluster.Status())
}

func (s *Server) handleNewUser(w http.ResponseWriter, r *http.Request) {
	var p machine.NewUserPayload
	if !decodeBody(w, r, &p) {
		return
	}
	if p.Username == "" || p.Password == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "username and password are required")
		return
	}

	value, ok := s.commit(w, r, raftpd.CmdNewUser, p)
	if !ok {
		return
	}

	token := s.openSession(p.Username)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user":    json.RawMessage(value),
		"session": token,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var p machine.NewUserPayload
	if !decodeBody(w, r, &p) {
		return
	}

	if s.store == nil || !s.store.Authenticate(p.Username, p.Password) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "bad credentials")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"session": s.openSession(p.Username),
	})
}

func (s *Server) handleNewAuction(w http.ResponseWriter, r *http.Request) {
	var p machine.NewAuctionPayload
	if !decodeBody(w, r, &p) {
		return
	}
	if user, ok := s.sessionUser(r); ok {
		p.Seller = user
	}
	if p.Seller == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "seller is required")
		return
	}

	if value, ok := s.commit(w, r, raftpd.CmdNewAuction, p); ok {
		writeJSON(w, http.StatusCreated, json.RawMessage(value))
	}
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if s.store == nil {
		writeError(w, http.StatusNotFound, "not_found", "backend disabled")
		return
	}

	auction, ok := s.store.AuctionAt(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such auction")
		return
	}
	writeJSON(w, http.StatusOK, auction)
}

func (s *Server) handleCloseAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	p := machine.CloseAuctionPayload{AuctionID: id}
	if user, sessionOK := s.sessionUser(r); sessionOK {
		p.Seller = user
	}

	if value, ok := s.commit(w, r, raftpd.CmdCloseAuction, p); ok {
		writeJSON(w, http.StatusOK, json.RawMessage(value))
	}
}

func (s *Server) handleNewBid(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var p machine.NewBidPayload
	if !decodeBody(w, r, &p) {
		return
	}
	p.AuctionID = id
	if user, sessionOK := s.sessionUser(r); sessionOK {
		p.Bidder = user
	}
	if p.Bidder == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "bidder is required")
		return
	}

	if value, ok := s.commit(w, r, raftpd.CmdNewBid, p); ok {
		writeJSON(w, http.StatusCreated, json.RawMessage(value))
	}
}

// commit submits one command and awaits its completion handle.
func (s *Server) commit(w http.ResponseWriter, r *http.Request,
	cmd raftpd.CommandType, payload interface{}) (json.RawMessage, bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return nil, false
	}

	future, err := s.cluster.Submit(cmd, data)
	if err != nil {
		var notLeader *raft.NotLeaderError
		if errors.As(err, &notLeader) {
			writeJSON(w, http.StatusMisdirectedRequest, map[string]interface{}{
				"error":  "not_leader",
				"leader": notLeader.Leader,
			})
			return nil, false
		}
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return nil, false
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	value, err := future.Wait(ctx)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			writeError(w, http.StatusGatewayTimeout, "timeout", "command did not commit in time")
		default:
			// Domain outcome from the state machine.
			writeError(w, http.StatusConflict, "rejected", err.Error())
		}
		return nil, false
	}

	if value == nil {
		value = json.RawMessage("null")
	}
	return value, true
}

func (s *Server) openSession(username string) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.sessions[token] = username
	s.mu.Unlock()
	return token
}

func (s *Server) sessionUser(r *http.Request) (string, bool) {
	token := r.Header.Get("X-Session")
	if token == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.sessions[token]
	return user, ok
}

func parseID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "bad auction id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("router: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}
