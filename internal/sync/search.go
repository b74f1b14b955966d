package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/state"
)

// KindSearchResults carries a *SearchResults payload.
const KindSearchResults = "chat.search_results"

// SearchResults is published once per settled query.
type SearchResults struct {
	Query string       `json:"query"`
	Users []state.User `json:"users"`
}

// UserSearcher is the subset of the REST client the searcher needs.
type UserSearcher interface {
	SearchUsers(ctx context.Context, query string) ([]state.User, error)
}

// Searcher debounces user search queries. Only the latest query is sent
// to the backend, and only its results are published; responses for
// superseded queries are discarded even if they arrive later.
type Searcher struct {
	backend UserSearcher
	store   *state.Store
	bus     *bus.Bus
	logger  *zap.Logger
	delay   time.Duration

	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
}

// NewSearcher creates a searcher with the standard 500ms settle delay.
func NewSearcher(be UserSearcher, st *state.Store, b *bus.Bus, logger *zap.Logger) *Searcher {
	return &Searcher{
		backend: be,
		store:   st,
		bus:     b,
		logger:  logger,
		delay:   500 * time.Millisecond,
	}
}

// Query registers a new query, superseding any pending one. An empty
// query publishes empty results immediately without hitting the backend.
func (s *Searcher) Query(q string) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if q == "" {
		s.mu.Unlock()
		s.publish(&SearchResults{Query: "", Users: nil})
		return
	}
	s.timer = time.AfterFunc(s.delay, func() {
		s.run(gen, q)
	})
	s.mu.Unlock()
}

func (s *Searcher) run(gen uint64, q string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	users, err := s.backend.SearchUsers(ctx, q)
	if err != nil {
		s.logger.Warn("user search", zap.String("query", q), zap.Error(err))
		return
	}

	s.mu.Lock()
	stale := gen != s.gen
	s.mu.Unlock()
	if stale {
		return
	}

	localID := s.store.LocalUser()
	filtered := users[:0]
	for _, u := range users {
		if u.ID != localID {
			filtered = append(filtered, u)
		}
	}
	s.publish(&SearchResults{Query: q, Users: filtered})
}

func (s *Searcher) publish(res *SearchResults) {
	s.bus.Publish(bus.Event{Kind: KindSearchResults, Timestamp: time.Now(), Payload: res})
}
