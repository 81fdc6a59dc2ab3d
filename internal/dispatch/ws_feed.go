package dispatch

import (
	"context"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/chauffeur-settlement/internal/models"
)

// WSSession is one connected admin dashboard.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(ev models.SettlementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// Feed fans settlement events out to connected admin dashboards over
// websocket. Implements the settlement Publisher; delivery is
// best-effort and a failing session is dropped.
type Feed struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewFeed() *Feed { return &Feed{sessions: make(map[string]*WSSession)} }

func (f *Feed) Add(id string, conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = &WSSession{conn: conn}
}

func (f *Feed) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		_ = s.conn.Close()
		delete(f.sessions, id)
	}
}

func (f *Feed) Publish(ctx context.Context, ev models.SettlementEvent) error {
	f.mu.RLock()
	ids := make([]string, 0, len(f.sessions))
	sessions := make([]*WSSession, 0, len(f.sessions))
	for id, s := range f.sessions {
		ids = append(ids, id)
		sessions = append(sessions, s)
	}
	f.mu.RUnlock()

	for i, s := range sessions {
		if err := s.send(ev); err != nil {
			log.Printf("ws send error, dropping session %s: %v", ids[i], err)
			f.Remove(ids[i])
		}
	}
	return nil
}
