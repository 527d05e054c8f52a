package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"querydeck/internal/domain"
)

// envelopeVersion is bumped whenever the payload schema changes; entries
// written under another version are rejected on read.
const envelopeVersion = 1

type envelope struct {
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Manager fronts a Store with single-flight deduplication and the degrade
// policy: read failures are misses, write failures are logged and swallowed.
type Manager struct {
	store    Store
	group    singleflight.Group
	logger   *slog.Logger
	ttl      time.Duration
	lockWait time.Duration
}

// NewManager creates a Manager. defaultTTL applies when a request carries no
// timeout override; lockWait bounds how long a caller blocks on another
// caller's in-flight build before building independently.
func NewManager(store Store, logger *slog.Logger, defaultTTL, lockWait time.Duration) *Manager {
	return &Manager{store: store, logger: logger, ttl: defaultTTL, lockWait: lockWait}
}

// Outcome reports how a payload was produced.
type Outcome struct {
	Hit      bool
	CacheKey string
}

// GetOrBuild returns the cached payload for key, or builds it once and caches
// it. force bypasses the read but still writes. Concurrent callers for the
// same key share one build, up to the bounded lock wait.
func (m *Manager) GetOrBuild(ctx context.Context, key string, ttl time.Duration, force bool, build func(context.Context) ([]byte, error)) ([]byte, Outcome, error) {
	outcome := Outcome{CacheKey: key}
	if ttl <= 0 {
		ttl = m.ttl
	}

	if !force {
		if payload, ok := m.read(ctx, key); ok {
			outcome.Hit = true
			return payload, outcome, nil
		}
	}

	ch := m.group.DoChan(key, func() (interface{}, error) {
		// Re-check under the flight: a sibling may have populated the store
		// while this caller waited for the slot.
		if !force {
			if payload, ok := m.read(ctx, key); ok {
				return payload, nil
			}
		}
		payload, err := build(ctx)
		if err != nil {
			return nil, err
		}
		m.write(ctx, key, payload, ttl)
		return payload, nil
	})

	var timeout <-chan time.Time
	if m.lockWait > 0 {
		timer := time.NewTimer(m.lockWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, outcome, res.Err
		}
		return res.Val.([]byte), outcome, nil
	case <-timeout:
		// The in-flight build is slow; detach and build independently rather
		// than failing the caller.
		m.group.Forget(key)
		payload, err := build(ctx)
		if err != nil {
			return nil, outcome, err
		}
		m.write(ctx, key, payload, ttl)
		return payload, outcome, nil
	case <-ctx.Done():
		return nil, outcome, ctx.Err()
	}
}

// Invalidate removes one key.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	if err := m.store.Delete(ctx, key); err != nil {
		return domain.ErrCache("delete %s: %v", key, err)
	}
	return nil
}

func (m *Manager) read(ctx context.Context, key string) ([]byte, bool) {
	blob, ok, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.Warn("cache read failed, treating as miss", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil || env.Version != envelopeVersion {
		return nil, false
	}
	return env.Payload, true
}

func (m *Manager) write(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	blob, err := json.Marshal(envelope{Version: envelopeVersion, CreatedAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		m.logger.Warn("cache write skipped", "key", key, "error", err)
		return
	}
	if err := m.store.Set(ctx, key, blob, ttl); err != nil {
		m.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
