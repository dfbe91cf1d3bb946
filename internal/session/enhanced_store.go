package session

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

type cachedDocument struct {
	doc    *Document
	events []Event
}

// EnhancedSessionStore layers a bounded, TTL-expiring read cache and a
// local fan-out bus on top of Store, so repeated Get calls on a hot
// session avoid round-tripping to Redis and so many in-process
// listeners (e.g. handler goroutines serving long-lived connections)
// can share a single upstream subscription per session.
type EnhancedSessionStore struct {
	*Store

	cache *lru.LRU[string, cachedDocument]
	bus   *localBus

	mu          map[string]context.CancelFunc
	relayCancel map[string]context.CancelFunc
	logger      *slog.Logger
}

// EnhancedConfig tunes the cache and bus.
type EnhancedConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

func NewEnhancedSessionStore(store *Store, cfg EnhancedConfig, logger *slog.Logger) *EnhancedSessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}

	bus := newLocalBus(logger)
	bus.Start(context.Background())

	return &EnhancedSessionStore{
		Store:       store,
		cache:       lru.NewLRU[string, cachedDocument](cfg.CacheSize, nil, cfg.CacheTTL),
		bus:         bus,
		relayCancel: make(map[string]context.CancelFunc),
		logger:      logger.With("component", "enhanced_session_store"),
	}
}

// Get returns the cached document/events when present, falling back to
// Store.Get and populating the cache on a miss.
func (e *EnhancedSessionStore) Get(ctx context.Context, sessionID string) (*Document, []Event, error) {
	if cached, ok := e.cache.Get(sessionID); ok {
		return cached.doc, cached.events, nil
	}

	doc, events, err := e.Store.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	e.cache.Add(sessionID, cachedDocument{doc: doc, events: events})
	return doc, events, nil
}

// invalidate drops sessionID from the cache; call after any write.
func (e *EnhancedSessionStore) invalidate(sessionID string) {
	e.cache.Remove(sessionID)
}

func (e *EnhancedSessionStore) Update(ctx context.Context, sessionID string, patch map[string]interface{}) error {
	defer e.invalidate(sessionID)
	return e.Store.Update(ctx, sessionID, patch)
}

func (e *EnhancedSessionStore) AddAgent(ctx context.Context, sessionID, agentID string) error {
	defer e.invalidate(sessionID)
	return e.Store.AddAgent(ctx, sessionID, agentID)
}

func (e *EnhancedSessionStore) RemoveAgent(ctx context.Context, sessionID, agentID string) error {
	defer e.invalidate(sessionID)
	return e.Store.RemoveAgent(ctx, sessionID, agentID)
}

// SubscribeLocal registers sub for sessionID's local fan-out, lazily
// starting a single upstream Redis relay for that session the first
// time it gains a subscriber.
func (e *EnhancedSessionStore) SubscribeLocal(ctx context.Context, sessionID string, sub Subscriber) {
	e.bus.Subscribe(sessionID, sub)

	if _, exists := e.relayCancel[sessionID]; exists {
		return
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	e.relayCancel[sessionID] = cancel

	go func() {
		if err := e.Store.Subscribe(relayCtx, sessionID, func(m Message) {
			e.bus.Publish(sessionID, m)
		}); err != nil && relayCtx.Err() == nil {
			e.logger.Warn("session relay subscription ended", "session_id", sessionID, "error", err)
		}
	}()
}

// UnsubscribeLocal removes sub from sessionID's local fan-out.
func (e *EnhancedSessionStore) UnsubscribeLocal(sessionID string, sub Subscriber) {
	e.bus.Unsubscribe(sessionID, sub)
}

// Close stops the local bus's broadcast worker and any open relays.
func (e *EnhancedSessionStore) Close() {
	for _, cancel := range e.relayCancel {
		cancel()
	}
	e.bus.Stop()
}
