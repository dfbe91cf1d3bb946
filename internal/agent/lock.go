package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/coordcore/sessioncore/internal/kv"
)

// sessionLock is a short-lived Redis mutex keyed by session ID, used to
// serialize handoffs: two InitiateHandoff calls racing for the same
// session must not both win, since each mutates both agents' load
// counters and only one should record the authoritative Handoff.
//
// Grounded on the teacher's internal/infrastructure/lock.DistributedLock
// (SET NX to acquire, a compare-and-delete Lua script to release so a
// lock never releases a value it doesn't own).
type sessionLock struct {
	facade kv.Facade
	key    string
	value  string
	ttl    time.Duration
	logger *slog.Logger
}

func newSessionLock(facade kv.Facade, sessionID string, ttl time.Duration, logger *slog.Logger) *sessionLock {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &sessionLock{
		facade: facade,
		key:    "agent:handoff:lock:" + sessionID,
		value:  generateLockValue(),
		ttl:    ttl,
		logger: logger,
	}
}

func generateLockValue() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("lock_%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// acquire returns true if the lock was taken. A false result without an
// error means another handoff currently holds it.
func (l *sessionLock) acquire(ctx context.Context) (bool, error) {
	ok, err := l.facade.SetNX(ctx, l.key, l.value, l.ttl)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// releaseScript only deletes the key if it still holds this lock's
// value, so a lock that expired and was re-acquired by someone else is
// never released out from under them.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

func (l *sessionLock) release(ctx context.Context) {
	result, err := l.facade.Eval(ctx, releaseScript, []string{l.key}, l.value)
	if err != nil {
		l.logger.Warn("handoff lock release failed", "key", l.key, "error", err)
		return
	}
	if n, ok := result.(int64); !ok || n != 1 {
		l.logger.Debug("handoff lock already expired or reclaimed", "key", l.key)
	}
}
