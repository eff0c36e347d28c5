package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus used when no NATS URL is
// configured. Handlers run on their own goroutines, so Publish never
// blocks on a slow subscriber.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	groups map[string]*queueGroup
	closed bool
	logger *logger.Logger
}

// NewMemoryEventBus creates an in-process event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		groups: make(map[string]*queueGroup),
		logger: log,
	}
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	match   func(string) bool
	handler EventHandler
	group   *queueGroup
	active  atomic.Bool
}

// Unsubscribe deactivates the subscription and removes it from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.active.Store(false)

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	if s.group != nil {
		s.group.remove(s)
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	return s.active.Load()
}

// queueGroup round-robins deliveries across its members so each event
// on the group's subject reaches exactly one subscriber.
type queueGroup struct {
	mu      sync.Mutex
	members []*memorySubscription
	next    int
}

func (g *queueGroup) add(sub *memorySubscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, sub)
}

func (g *queueGroup) remove(sub *memorySubscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, member := range g.members {
		if member == sub {
			g.members = append(g.members[:i], g.members[i+1:]...)
			return
		}
	}
}

// dispatch hands the event to the next active member, skipping members
// deactivated since their last turn.
func (g *queueGroup) dispatch(event *Event, run func(*memorySubscription, *Event)) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < len(g.members); i++ {
		idx := (g.next + i) % len(g.members)
		member := g.members[idx]
		if !member.active.Load() {
			continue
		}
		g.next = (idx + 1) % len(g.members)
		run(member, event)
		return
	}
}

// Publish delivers the event to every matching subscription. Queue
// groups receive it once; plain subscriptions all receive it.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	dispatched := make(map[*queueGroup]bool)
	for _, sub := range b.subs {
		if !sub.active.Load() || !sub.match(subject) {
			continue
		}
		if sub.group != nil {
			if !dispatched[sub.group] {
				dispatched[sub.group] = true
				sub.group.dispatch(event, b.runHandler(ctx, subject))
			}
			continue
		}
		b.runHandler(ctx, subject)(sub, event)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// runHandler invokes a subscription handler on its own goroutine and
// logs the error return.
func (b *MemoryEventBus) runHandler(ctx context.Context, subject string) func(*memorySubscription, *Event) {
	return func(sub *memorySubscription, event *Event) {
		go func() {
			if err := sub.handler(ctx, event); err != nil {
				b.logger.Error("event handler failed",
					zap.String("subject", subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}()
	}
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe creates a load-balanced subscription: subscribers
// sharing a queue name receive each matching event exactly once.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		match:   subjectMatcher(subject),
		handler: handler,
	}
	sub.active.Store(true)

	if queue != "" {
		key := queue + ":" + subject
		group, ok := b.groups[key]
		if !ok {
			group = &queueGroup{}
			b.groups[key] = group
		}
		group.add(sub)
		sub.group = group
	}

	b.subs = append(b.subs, sub)
	b.logger.Debug("subscribed",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

// Close deactivates every subscription and rejects further use.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.active.Store(false)
	}
	b.subs = nil
	b.groups = make(map[string]*queueGroup)

	b.logger.Info("memory event bus closed")
}

// IsConnected reports whether the bus still accepts traffic.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// subjectMatcher compiles a NATS-style pattern into a match predicate.
// * matches one token, > matches the rest of the subject.
func subjectMatcher(pattern string) func(string) bool {
	if !strings.ContainsAny(pattern, "*>") {
		return func(subject string) bool { return subject == pattern }
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return func(string) bool { return false }
	}
	return re.MatchString
}
