package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	id       string
	ctx      context.Context
	mu       sync.Mutex
	received []Message
}

func (s *fakeSubscriber) ID() string             { return s.id }
func (s *fakeSubscriber) Context() context.Context { return s.ctx }
func (s *fakeSubscriber) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, msg)
	return nil
}

func (s *fakeSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func TestLocalBusDeliversOnlyToSubscribersOfSession(t *testing.T) {
	bus := newLocalBus(nil)
	bus.Start(context.Background())
	defer bus.Stop()

	subA := &fakeSubscriber{id: "a", ctx: context.Background()}
	subB := &fakeSubscriber{id: "b", ctx: context.Background()}
	bus.Subscribe("sess-1", subA)
	bus.Subscribe("sess-2", subB)

	bus.Publish("sess-1", Message{Type: "modified", SessionID: "sess-1"})

	require.Eventually(t, func() bool { return subA.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, subB.count())
}

func TestLocalBusDropsSubscriberWithCanceledContext(t *testing.T) {
	bus := newLocalBus(nil)
	bus.Start(context.Background())
	defer bus.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	sub := &fakeSubscriber{id: "a", ctx: ctx}
	bus.Subscribe("sess-1", sub)
	cancel()

	bus.Publish("sess-1", Message{Type: "modified", SessionID: "sess-1"})

	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		_, ok := bus.subscribers["sess-1"][sub]
		return !ok
	}, time.Second, time.Millisecond)
}

func TestLocalBusUnsubscribeRemovesListener(t *testing.T) {
	bus := newLocalBus(nil)
	bus.Start(context.Background())
	defer bus.Stop()

	sub := &fakeSubscriber{id: "a", ctx: context.Background()}
	bus.Subscribe("sess-1", sub)
	bus.Unsubscribe("sess-1", sub)

	bus.Publish("sess-1", Message{Type: "modified", SessionID: "sess-1"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, sub.count())
}
