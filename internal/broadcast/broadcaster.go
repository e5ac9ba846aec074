package broadcast

import (
	"sync"

	"github.com/MarcoPoloResearchLab/timberline/internal/records"
	"go.uber.org/zap"
)

const defaultBufferSize = 64

// Reasons reported by Subscription.Reason once a subscription ends.
const (
	ReasonUnsubscribed = "unsubscribed"
	ReasonSlowConsumer = "slow_consumer"
	ReasonShutdown     = "shutdown"
)

// Notice is one committed change addressed to the sessions of a tenant.
type Notice struct {
	TenantID      string
	OriginSession string
	Entry         records.ChangeEntry
}

// Subscription receives the notices of one session.
type Subscription struct {
	tenantID  string
	sessionID string
	stream    chan Notice
	done      chan struct{}

	once   sync.Once
	mu     sync.Mutex
	reason string
}

// Notices streams notices for the session. The channel is never closed; watch Done.
func (s *Subscription) Notices() <-chan Notice {
	return s.stream
}

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Reason explains why the subscription ended; empty while it is active.
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// SessionID returns the session the subscription belongs to.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

func (s *Subscription) finish(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Config tunes the broadcaster.
type Config struct {
	BufferSize int
	Logger     *zap.Logger
}

// Broadcaster fans committed changes out to every session of a tenant.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscription
	bufferSize  int
	logger      *zap.Logger
	closed      bool
}

// NewBroadcaster constructs an empty registry.
func NewBroadcaster(cfg Config) *Broadcaster {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]*Subscription),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers the session for the tenant. Subscribing an already
// registered session returns its existing subscription.
func (b *Broadcaster) Subscribe(tenantID, sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing := b.subscribers[tenantID][sessionID]; existing != nil {
		return existing
	}
	subscription := &Subscription{
		tenantID:  tenantID,
		sessionID: sessionID,
		stream:    make(chan Notice, b.bufferSize),
		done:      make(chan struct{}),
	}
	if b.closed {
		subscription.finish(ReasonShutdown)
		return subscription
	}
	if _, ok := b.subscribers[tenantID]; !ok {
		b.subscribers[tenantID] = make(map[string]*Subscription)
	}
	b.subscribers[tenantID][sessionID] = subscription
	return subscription
}

// Unsubscribe removes the session; unknown sessions are ignored.
func (b *Broadcaster) Unsubscribe(tenantID, sessionID string) {
	if subscription := b.remove(tenantID, sessionID); subscription != nil {
		subscription.finish(ReasonUnsubscribed)
	}
}

// Publish delivers the notice to every subscriber of the tenant except the
// originating session and returns the number of deliveries. It never blocks:
// a subscriber whose buffer is full is dropped.
func (b *Broadcaster) Publish(notice Notice) int {
	b.mu.RLock()
	subscribers := b.subscribers[notice.TenantID]
	targets := make([]*Subscription, 0, len(subscribers))
	for sessionID, subscription := range subscribers {
		if sessionID == notice.OriginSession {
			continue
		}
		targets = append(targets, subscription)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, subscription := range targets {
		select {
		case subscription.stream <- notice:
			delivered++
		default:
			b.drop(subscription, ReasonSlowConsumer)
		}
	}
	return delivered
}

// CloseTenant ends every subscription of the tenant with the given reason.
func (b *Broadcaster) CloseTenant(tenantID, reason string) int {
	b.mu.Lock()
	subscribers := b.subscribers[tenantID]
	delete(b.subscribers, tenantID)
	b.mu.Unlock()

	for _, subscription := range subscribers {
		subscription.finish(reason)
	}
	if len(subscribers) > 0 {
		b.logger.Warn("tenant sessions closed",
			zap.String("tenant_id", tenantID),
			zap.String("reason", reason),
			zap.Int("sessions", len(subscribers)))
	}
	return len(subscribers)
}

// Counts returns the number of subscribed sessions per tenant.
func (b *Broadcaster) Counts() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	counts := make(map[string]int, len(b.subscribers))
	for tenantID, subscribers := range b.subscribers {
		counts[tenantID] = len(subscribers)
	}
	return counts
}

// Close ends every subscription and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	all := b.subscribers
	b.subscribers = make(map[string]map[string]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, subscribers := range all {
		for _, subscription := range subscribers {
			subscription.finish(ReasonShutdown)
		}
	}
}

func (b *Broadcaster) drop(subscription *Subscription, reason string) {
	if b.remove(subscription.tenantID, subscription.sessionID) != subscription {
		return
	}
	subscription.finish(reason)
	b.logger.Warn("session dropped from broadcast",
		zap.String("tenant_id", subscription.tenantID),
		zap.String("session_id", subscription.sessionID),
		zap.String("reason", reason))
}

func (b *Broadcaster) remove(tenantID, sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	subscribers := b.subscribers[tenantID]
	subscription := subscribers[sessionID]
	if subscription == nil {
		return nil
	}
	delete(subscribers, sessionID)
	if len(subscribers) == 0 {
		delete(b.subscribers, tenantID)
	}
	return subscription
}
