package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amritsingh183/chat-server/internal/telemetry"
)

const (
	// DefaultOutboundCapacity is the per-user outbound FIFO capacity.
	DefaultOutboundCapacity = 256
	// DefaultBroadcastFanout bounds in-flight concurrent per-recipient sends.
	DefaultBroadcastFanout = 1024
	// RegistryLockTimeout is the bounded wait for the reader-preferring lock.
	RegistryLockTimeout = 50 * time.Millisecond
	// BroadcastSendTimeout is the per-recipient send deadline.
	BroadcastSendTimeout = 100 * time.Millisecond
)

var (
	ErrUsernameTaken = errors.New("username is already taken")
	ErrLockTimeout   = errors.New("registry lock acquisition timed out")
)

// Outbound is the send-only endpoint of a connection's outbound queue: a
// seam so tests can substitute a deterministic implementation for the real
// buffered channel.
type Outbound interface {
	Send(ctx context.Context, payload []byte) error
}

type chanOutbound struct {
	ch chan []byte
}

// NewOutboundQueue creates a buffered channel (DefaultOutboundCapacity if
// capacity <= 0) and returns both the channel a connection's writer drains
// and the Outbound handle the registry holds.
func NewOutboundQueue(capacity int) (chan []byte, Outbound) {
	if capacity <= 0 {
		capacity = DefaultOutboundCapacity
	}
	ch := make(chan []byte, capacity)
	return ch, &chanOutbound{ch: ch}
}

func (o *chanOutbound) Send(ctx context.Context, payload []byte) error {
	select {
	case o.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// User is a registered identity plus its send-only outbound handle.
type User struct {
	Username Username
	outbound Outbound
}

// timedRWMutex emulates parking_lot's try_write_for/try_read_for: a bounded
// poll loop over Go's TryLock/TryRLock, since the standard library has no
// native timed lock acquisition.
type timedRWMutex struct {
	mu sync.RWMutex
}

const lockPollInterval = time.Millisecond

func (t *timedRWMutex) tryLock(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if t.mu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(lockPollInterval)
	}
}

func (t *timedRWMutex) tryRLock(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if t.mu.TryRLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(lockPollInterval)
	}
}

// Registry holds the NormalizedKey -> User mapping behind a reader-preferring
// lock with a bounded wait. It is a process-wide singleton, constructed once
// at server start and passed by reference into the acceptor.
type Registry struct {
	lock        timedRWMutex
	users       map[NormalizedKey]*User
	fanoutLimit int
	log         telemetry.Logger
	metrics     *Metrics
}

// NewRegistry builds an empty Registry. fanoutLimit bounds concurrent
// in-flight broadcast sends (DefaultBroadcastFanout if <= 0).
func NewRegistry(fanoutLimit int, log telemetry.Logger) *Registry {
	if fanoutLimit <= 0 {
		fanoutLimit = DefaultBroadcastFanout
	}
	if log == nil {
		log = telemetry.NewNop()
	}
	return &Registry{
		users:       make(map[NormalizedKey]*User),
		fanoutLimit: fanoutLimit,
		log:         log,
	}
}

// SetMetrics wires an optional Prometheus sink; nil-safe if never called.
func (r *Registry) SetMetrics(m *Metrics) { r.metrics = m }

// Register inserts username atomically keyed by its normalized form.
func (r *Registry) Register(username Username, outbound Outbound) (*User, error) {
	if !r.lock.tryLock(RegistryLockTimeout) {
		return nil, ErrLockTimeout
	}
	defer r.lock.mu.Unlock()

	key := username.Key()
	if _, exists := r.users[key]; exists {
		return nil, ErrUsernameTaken
	}
	u := &User{Username: username, outbound: outbound}
	r.users[key] = u
	if r.metrics != nil {
		r.metrics.RegistrySize.Set(float64(len(r.users)))
	}
	return u, nil
}

// Unregister removes u if it is still the entry stored under its key.
// Idempotent: returns false, nil if u was not present.
func (r *Registry) Unregister(u *User) (bool, error) {
	if !r.lock.tryLock(RegistryLockTimeout) {
		return false, ErrLockTimeout
	}
	defer r.lock.mu.Unlock()

	key := u.Username.Key()
	existing, ok := r.users[key]
	if !ok || existing != u {
		return false, nil
	}
	delete(r.users, key)
	if r.metrics != nil {
		r.metrics.RegistrySize.Set(float64(len(r.users)))
	}
	return true, nil
}

// Size returns the current registered-user count.
func (r *Registry) Size() (int, error) {
	if !r.lock.tryRLock(RegistryLockTimeout) {
		return 0, ErrLockTimeout
	}
	defer r.lock.mu.RUnlock()
	return len(r.users), nil
}

// Broadcast fans payload out to every registered user except exclude (when
// non-nil), bounded to fanoutLimit in-flight sends via an errgroup. Each
// per-recipient send gets its own timeout; a slow or dead recipient is
// silently skipped and never aborts the broadcast. Returns the number of
// recipients that actually received payload.
func (r *Registry) Broadcast(ctx context.Context, payload []byte, exclude *Username) int {
	if !r.lock.tryRLock(RegistryLockTimeout) {
		r.log.Warn("broadcast skipped: registry lock timeout")
		return 0
	}
	recipients := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		if exclude != nil && u.Username.Equal(*exclude) {
			continue
		}
		recipients = append(recipients, u)
	}
	r.lock.mu.RUnlock()

	start := time.Now()
	var delivered int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fanoutLimit)
	for _, u := range recipients {
		u := u
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(gctx, BroadcastSendTimeout)
			defer cancel()
			if err := u.outbound.Send(sendCtx, payload); err == nil {
				atomic.AddInt64(&delivered, 1)
				if r.metrics != nil {
					r.metrics.Delivered.Inc()
				}
			} else if r.metrics != nil {
				r.metrics.DeliveryFailed.Inc()
			}
			// Never propagate a per-recipient failure as a group error: one
			// slow recipient must not cancel sends still in flight to others.
			return nil
		})
	}
	_ = g.Wait()
	if r.metrics != nil {
		r.metrics.FanoutDuration.Observe(time.Since(start).Seconds())
	}
	return int(delivered)
}
