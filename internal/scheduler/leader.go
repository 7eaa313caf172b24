package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/satoshigate/paygate/internal/scheduler/leases"
)

// LeaderElector restricts the scheduler's two tasks to a single active
// instance across a horizontally scaled deployment, backed by a
// TTL-based lease. A deployment that never configures a shared leases.Store
// (the default: leases.NewMemoryStore, one per process) effectively
// always holds the lease and runs unguarded.
type LeaderElector struct {
	store leases.Store
	name  string
	owner string
	ttl   time.Duration
}

var ErrInvalidConfig = errors.New("scheduler: invalid leader elector config")

// NewLeaderElector builds an elector for the named lease.
func NewLeaderElector(store leases.Store, leaseName, owner string, ttl time.Duration) (*LeaderElector, error) {
	if store == nil || leaseName == "" || owner == "" || ttl <= 0 {
		return nil, ErrInvalidConfig
	}
	return &LeaderElector{store: store, name: leaseName, owner: owner, ttl: ttl}, nil
}

// Tick attempts to renew leadership if already held, otherwise tries to
// acquire it. Call once per tick before running tick work.
func (l *LeaderElector) Tick(ctx context.Context) (bool, error) {
	if l == nil || l.store == nil {
		return false, ErrInvalidConfig
	}
	if _, ok, err := l.store.Renew(ctx, l.name, l.owner, l.ttl); err == nil && ok {
		return true, nil
	}
	_, ok, err := l.store.TryAcquire(ctx, l.name, l.owner, l.ttl)
	if err != nil {
		return false, err
	}
	return ok, nil
}
