// Package eventbus is an in-process pub/sub for request-lifecycle and
// log events. Each subscriber owns a bounded queue built on
// internal/channel.TunableChannel, with min/max size pinned equal to
// disable auto-tuning — subscriber count and queue depth are
// explicitly bounded at construction rather than grown under load.
package eventbus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kaelmora/relaygate/internal/channel"
)

// EventType is the request.events variant tag.
type EventType string

const (
	EventStart   EventType = "start"
	EventSummary EventType = "summary"
	EventPayload EventType = "payload"
)

// RequestEvent is one request.events frame.
type RequestEvent struct {
	Type        EventType `json:"type"`
	ID          string    `json:"id"`
	Timestamp   string    `json:"timestamp"`
	Method      string    `json:"method,omitempty"`
	Path        string    `json:"path,omitempty"`
	AccountID   string    `json:"account_id,omitempty"`
	StatusCode  int       `json:"status_code,omitempty"`
	AgentUsed   string    `json:"agent_used,omitempty"`
	Success     *bool     `json:"success,omitempty"`
	Model       string    `json:"model,omitempty"`
	CostUSD     *float64  `json:"cost_usd,omitempty"`
	RequestJSON string    `json:"request_json,omitempty"`
	ResponseJSON string   `json:"response_json,omitempty"`
}

// LogEvent is one log.events frame.
type LogEvent struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Time    string `json:"time"`
}

type subscriber[T any] struct {
	id    uint64
	queue *channel.TunableChannel[T]
}

// Bus is a bounded, fixed-subscriber-count pub/sub for one event type.
// Subscribers that fail a send (queue full) are dropped rather than
// blocking the publisher.
type Bus[T any] struct {
	mu          sync.RWMutex
	subs        map[uint64]*subscriber[T]
	nextID      uint64
	maxSubs     int
	queueSize   int
	logger      *zap.Logger
	kind        string
}

func newBus[T any](maxSubs, queueSize int, kind string, logger *zap.Logger) *Bus[T] {
	return &Bus[T]{
		subs:      make(map[uint64]*subscriber[T]),
		maxSubs:   maxSubs,
		queueSize: queueSize,
		logger:    logger.With(zap.String("component", "eventbus"), zap.String("kind", kind)),
		kind:      kind,
	}
}

// Subscribe registers a new receiver and returns its channel and an
// unsubscribe func. Returns ok=false if the bus is at its max
// subscriber count.
func (b *Bus[T]) Subscribe() (<-chan T, func(), bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) >= b.maxSubs {
		b.logger.Warn("subscriber limit reached, rejecting new subscriber", zap.Int("max", b.maxSubs))
		return nil, func() {}, false
	}

	id := b.nextID
	b.nextID++
	name := fmt.Sprintf("%s-sub-%d", b.kind, id)
	queueCfg := channel.TunableConfig{
		InitialSize: b.queueSize,
		MinSize:     b.queueSize,
		MaxSize:     b.queueSize,
		Name:        name,
		OnBlock: func(name string) {
			b.logger.Debug("subscriber queue send blocked", zap.String("queue", name))
		},
	}
	sub := &subscriber[T]{id: id, queue: channel.NewTunableChannel[T](queueCfg)}
	b.subs[id] = sub

	return sub.queue.Chan(), func() { b.unsubscribe(id) }, true
}

func (b *Bus[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		sub.queue.Close()
		delete(b.subs, id)
	}
}

// Publish fans event out to every subscriber without blocking; a
// subscriber whose queue is full is dropped. The subscriber set is
// copied before iterating to avoid mutation during dispatch.
func (b *Bus[T]) Publish(event T) {
	b.mu.RLock()
	targets := make([]*subscriber[T], 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	var overflowed []uint64
	for _, sub := range targets {
		if !sub.queue.TrySend(event) {
			overflowed = append(overflowed, sub.id)
		}
	}
	for _, id := range overflowed {
		b.logger.Debug("subscriber queue full, dropping subscriber", zap.Uint64("subscriber_id", id))
		b.unsubscribe(id)
	}
}

func (b *Bus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// EventBus is the process-wide handle for both topics.
type EventBus struct {
	Requests *Bus[RequestEvent]
	Logs     *Bus[LogEvent]
	History  *LogHistory
}

// NewLogsBus builds the Logs bus in isolation, so it can be wired into
// a zapcore.Core (see NewLogCore) before the rest of the process's
// logger exists — New's caller otherwise couldn't hand the logger
// itself a bus that New hasn't built yet.
func NewLogsBus(maxLogSubs, queueSize int, logger *zap.Logger) *Bus[LogEvent] {
	return newBus[LogEvent](maxLogSubs, queueSize, "log", logger)
}

// New builds the Requests bus and assembles the full EventBus around a
// Logs bus and History already constructed via NewLogsBus/NewLogHistory
// (typically before the process logger, so the logger's core can be
// wired to publish into them from the start).
func New(maxRequestSubs, queueSize int, logsBus *Bus[LogEvent], history *LogHistory, logger *zap.Logger) *EventBus {
	return &EventBus{
		Requests: newBus[RequestEvent](maxRequestSubs, queueSize, "request", logger),
		Logs:     logsBus,
		History:  history,
	}
}
