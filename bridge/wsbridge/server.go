// Package wsbridge carries bridge envelopes over WebSocket. The server is a
// plain hub: whatever one peer sends is fanned out to every other peer, so
// contexts on different machines share one change feed.
package wsbridge

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/vessel/internal/observability"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 2 * 1024 * 1024
)

// Server relays envelopes between connected peers. It implements
// http.Handler; mount it on any mux.
type Server struct {
	maxWorkers int

	mu     sync.Mutex
	nextID uint64
	peers  map[uint64]*serverPeer
	closed bool
}

type serverPeer struct {
	id   uint64
	conn *websocket.Conn
}

// ServerOption configures the relay server.
type ServerOption func(*Server)

// WithFanoutWorkers bounds the broadcast pool size.
func WithFanoutWorkers(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxWorkers = n
		}
	}
}

// NewServer creates an empty relay hub.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		maxWorkers: runtime.GOMAXPROCS(0),
		mu:         sync.Mutex{},
		nextID:     0,
		peers:      make(map[uint64]*serverPeer),
		closed:     false,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ServeHTTP upgrades the request and pumps the peer until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observability.Log().Error("websocket accept failed",
			observability.F("error", err))
		return
	}
	conn.SetReadLimit(readLimit)

	peer := s.register(conn)
	if peer == nil {
		_ = conn.Close(websocket.StatusGoingAway, "server closed")
		return
	}
	defer s.drop(peer)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.broadcast(ctx, peer.id, data)
	}
}

// Close disconnects every peer and rejects new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*serverPeer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[uint64]*serverPeer)
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}

// PeerCount reports the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) register(conn *websocket.Conn) *serverPeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.nextID++
	peer := &serverPeer{id: s.nextID, conn: conn}
	s.peers[peer.id] = peer
	return peer
}

func (s *Server) drop(peer *serverPeer) {
	s.mu.Lock()
	delete(s.peers, peer.id)
	s.mu.Unlock()
	_ = peer.conn.Close(websocket.StatusNormalClosure, "peer gone")
}

// broadcast fans the frame out to every other peer with bounded structured
// concurrency. A slow or dead peer only fails its own delivery.
func (s *Server) broadcast(ctx context.Context, from uint64, data []byte) {
	s.mu.Lock()
	targets := make([]*serverPeer, 0, len(s.peers))
	for id, p := range s.peers {
		if id != from {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	workers := s.maxWorkers
	if workers > len(targets) {
		workers = len(targets)
	}
	p := pool.New().WithMaxGoroutines(workers)
	for _, target := range targets {
		t := target
		p.Go(func() {
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			defer cancel()
			if err := t.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
				observability.Log().Debug("peer write failed",
					observability.F("peer", t.id), observability.F("error", err))
			}
		})
	}
	p.Wait()
}
