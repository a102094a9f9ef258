package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/thinkermao/gavel/raft/proto"
)

// Domain errors delivered back to submitters through their
// completion handles.
var (
	ErrUserExists      = fmt.Errorf("user already exists")
	ErrUnknownUser     = fmt.Errorf("unknown user")
	ErrUnknownAuction  = fmt.Errorf("unknown auction")
	ErrAuctionClosed   = fmt.Errorf("auction already closed")
	ErrNotSeller       = fmt.Errorf("only the seller may close an auction")
	ErrBidTooLow       = fmt.Errorf("bid does not beat the current price")
	ErrSelfBid         = fmt.Errorf("the seller cannot bid on its own auction")
)

var errMalformedPayload = fmt.Errorf("malformed command payload")

// Command payloads, JSON on the wire.
type NewUserPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type NewAuctionPayload struct {
	Seller        string  `json:"seller"`
	Title         string  `json:"title"`
	StartingPrice float64 `json:"startingPrice"`
}

type CloseAuctionPayload struct {
	AuctionID uint64 `json:"auctionId"`
	Seller    string `json:"seller"`
}

type NewBidPayload struct {
	AuctionID uint64  `json:"auctionId"`
	Bidder    string  `json:"bidder"`
	Amount    float64 `json:"amount"`
}

// Auction is the visible state of one listing.
type Auction struct {
	ID            uint64  `json:"id"`
	Seller        string  `json:"seller"`
	Title         string  `json:"title"`
	StartingPrice float64 `json:"startingPrice"`
	CurrentPrice  float64 `json:"currentPrice"`
	HighestBidder string  `json:"highestBidder,omitempty"`
	Closed        bool    `json:"closed"`
	Bids          int     `json:"bids"`
}

// Store is the in-memory auction back end. Every node applies the
// same committed commands in the same order, so every Store converges
// to the same content.
type Store struct {
	mu sync.RWMutex

	users    map[string]string // username -> password
	auctions map[uint64]*Auction
	nextID   uint64
}

// NewStore return an empty auction store.
func NewStore() *Store {
	return &Store{
		users:    make(map[string]string),
		auctions: make(map[uint64]*Auction),
		nextID:   1,
	}
}

// Apply executes one committed command. The applier guarantees index
// order and at-most-once application.
func (s *Store) Apply(_ context.Context, cmd raftpd.CommandType, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd {
	case raftpd.CmdNewUser:
		return s.applyNewUser(payload)
	case raftpd.CmdNewAuction:
		return s.applyNewAuction(payload)
	case raftpd.CmdCloseAuction:
		return s.applyCloseAuction(payload)
	case raftpd.CmdNewBid:
		return s.applyNewBid(payload)
	default:
		return nil, ErrUnknownCommand
	}
}

func (s *Store) applyNewUser(payload []byte) ([]byte, error) {
	var p NewUserPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Username == "" {
		return nil, errMalformedPayload
	}

	if _, ok := s.users[p.Username]; ok {
		return nil, ErrUserExists
	}
	s.users[p.Username] = p.Password

	log.Debugf("auction store: new user %q", p.Username)

	return json.Marshal(map[string]string{"username": p.Username})
}

func (s *Store) applyNewAuction(payload []byte) ([]byte, error) {
	var p NewAuctionPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Seller == "" {
		return nil, errMalformedPayload
	}

	if _, ok := s.users[p.Seller]; !ok {
		return nil, ErrUnknownUser
	}

	auction := &Auction{
		ID:            s.nextID,
		Seller:        p.Seller,
		Title:         p.Title,
		StartingPrice: p.StartingPrice,
		CurrentPrice:  p.StartingPrice,
	}
	s.auctions[auction.ID] = auction
	s.nextID++

	log.Debugf("auction store: new auction %d by %q", auction.ID, p.Seller)

	return json.Marshal(auction)
}

func (s *Store) applyCloseAuction(payload []byte) ([]byte, error) {
	var p CloseAuctionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errMalformedPayload
	}

	auction, ok := s.auctions[p.AuctionID]
	if !ok {
		return nil, ErrUnknownAuction
	}
	if auction.Closed {
		return nil, ErrAuctionClosed
	}
	if p.Seller != "" && p.Seller != auction.Seller {
		return nil, ErrNotSeller
	}
	auction.Closed = true

	log.Debugf("auction store: close auction %d [winner: %q, price: %v]",
		auction.ID, auction.HighestBidder, auction.CurrentPrice)

	return json.Marshal(auction)
}

func (s *Store) applyNewBid(payload []byte) ([]byte, error) {
	var p NewBidPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Bidder == "" {
		return nil, errMalformedPayload
	}

	auction, ok := s.auctions[p.AuctionID]
	if !ok {
		return nil, ErrUnknownAuction
	}
	if auction.Closed {
		return nil, ErrAuctionClosed
	}
	if _, ok := s.users[p.Bidder]; !ok {
		return nil, ErrUnknownUser
	}
	if p.Bidder == auction.Seller {
		return nil, ErrSelfBid
	}
	if p.Amount <= auction.CurrentPrice {
		return nil, ErrBidTooLow
	}

	auction.CurrentPrice = p.Amount
	auction.HighestBidder = p.Bidder
	auction.Bids++

	log.Debugf("auction store: bid %v on auction %d by %q",
		p.Amount, auction.ID, p.Bidder)

	return json.Marshal(auction)
}

// AuctionAt return a copy of one auction for read paths.
func (s *Store) AuctionAt(id uint64) (Auction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auction, ok := s.auctions[id]
	if !ok {
		return Auction{}, false
	}
	return *auction, true
}

// Users return the number of registered users.
func (s *Store) Users() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Authenticate checks a username/password pair.
func (s *Store) Authenticate(username, password string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.users[username]
	return ok && stored == password
}
