package session

import (
	"context"
	"log/slog"
	"sync"
)

// Subscriber receives local fan-out notifications for a session.
type Subscriber interface {
	ID() string
	Send(Message) error
	Context() context.Context
}

// localBus fans Messages out to in-process subscribers, grounded on the
// buffered-channel-plus-broadcast-worker shape used elsewhere in this
// tree for dashboard-style event delivery: a single Redis subscription
// per session would not scale to many local listeners, so writes land
// here once and are broadcast locally.
type localBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[Subscriber]struct{}

	msgChan chan busMessage
	stop    chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger
}

type busMessage struct {
	sessionID string
	msg       Message
}

func newLocalBus(logger *slog.Logger) *localBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &localBus{
		subscribers: make(map[string]map[Subscriber]struct{}),
		msgChan:     make(chan busMessage, 1000),
		stop:        make(chan struct{}),
		logger:      logger.With("component", "session_local_bus"),
	}
}

func (b *localBus) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

func (b *localBus) Stop() {
	close(b.stop)
	b.wg.Wait()
}

func (b *localBus) Subscribe(sessionID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sessionID] == nil {
		b.subscribers[sessionID] = make(map[Subscriber]struct{})
	}
	b.subscribers[sessionID][sub] = struct{}{}
}

func (b *localBus) Unsubscribe(sessionID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subscribers[sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subscribers, sessionID)
		}
	}
}

// Publish enqueues msg for broadcast; it never blocks, dropping the
// message and logging a warning when the buffer is full.
func (b *localBus) Publish(sessionID string, msg Message) {
	select {
	case b.msgChan <- busMessage{sessionID: sessionID, msg: msg}:
	default:
		b.logger.Warn("local bus channel full, dropping message", "session_id", sessionID, "type", msg.Type)
	}
}

func (b *localBus) run(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case bm := <-b.msgChan:
			b.broadcast(bm)
		}
	}
}

func (b *localBus) broadcast(bm busMessage) {
	b.mu.RLock()
	set := b.subscribers[bm.sessionID]
	subs := make([]Subscriber, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s Subscriber) {
			defer wg.Done()
			select {
			case <-s.Context().Done():
				b.Unsubscribe(bm.sessionID, s)
				return
			default:
			}
			if err := s.Send(bm.msg); err != nil {
				b.logger.Warn("failed to send to local subscriber", "subscriber_id", s.ID(), "error", err)
				b.Unsubscribe(bm.sessionID, s)
			}
		}(sub)
	}
	wg.Wait()
}
