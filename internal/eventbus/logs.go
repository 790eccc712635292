package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// LogHistory is a fixed-capacity ring buffer of the most recently
// emitted log events, backing GET /api/logs/history for a dashboard
// opened after the fact, when no GET /api/logs/stream subscriber was
// connected to see the events live.
type LogHistory struct {
	mu       sync.Mutex
	entries  []LogEvent
	capacity int
	next     int
	full     bool
}

// NewLogHistory builds a ring buffer retaining the most recent
// capacity entries. capacity <= 0 falls back to 500.
func NewLogHistory(capacity int) *LogHistory {
	if capacity <= 0 {
		capacity = 500
	}
	return &LogHistory{entries: make([]LogEvent, capacity), capacity: capacity}
}

// Record appends e, overwriting the oldest retained entry once the
// ring buffer is full.
func (h *LogHistory) Record(e LogEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = e
	h.next = (h.next + 1) % h.capacity
	if h.next == 0 {
		h.full = true
	}
}

// Recent returns up to limit of the most recently recorded events,
// oldest first. limit <= 0 returns everything retained.
func (h *LogHistory) Recent(limit int) []LogEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ordered []LogEvent
	if h.full {
		ordered = make([]LogEvent, 0, h.capacity)
		ordered = append(ordered, h.entries[h.next:]...)
		ordered = append(ordered, h.entries[:h.next]...)
	} else {
		ordered = append(ordered, h.entries[:h.next]...)
	}
	if limit > 0 && limit < len(ordered) {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// logCore is a zapcore.Core that turns every log entry it sees into a
// LogEvent, published to bus and retained in history. It writes no
// formatted output of its own — zapcore.NewTee combines it with the
// process's real encoding core so every log line relaygate emits also
// reaches the log event bus.
type logCore struct {
	zapcore.LevelEnabler
	bus     *Bus[LogEvent]
	history *LogHistory
}

// NewLogCore wraps bus/history as a zapcore.Core suitable for
// zapcore.NewTee alongside a normal encoding core.
func NewLogCore(bus *Bus[LogEvent], history *LogHistory, enab zapcore.LevelEnabler) zapcore.Core {
	return &logCore{LevelEnabler: enab, bus: bus, history: history}
}

func (c *logCore) With([]zapcore.Field) zapcore.Core {
	return c
}

func (c *logCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *logCore) Write(ent zapcore.Entry, _ []zapcore.Field) error {
	event := LogEvent{
		Level:   ent.Level.String(),
		Message: ent.Message,
		Time:    ent.Time.UTC().Format(time.RFC3339Nano),
	}
	c.history.Record(event)
	c.bus.Publish(event)
	return nil
}

func (c *logCore) Sync() error { return nil }
