// Package events emits operational log records into the persistent store,
// with per-cause rate limiting and last-error deduplication.
package events

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/featherfront/internal/datastore"
	"github.com/tphakala/featherfront/internal/logging"
	"github.com/tphakala/featherfront/internal/model"
)

// DropLogInterval is the minimum spacing between events for one drop cause.
const DropLogInterval = 10 * time.Second

// Logger writes typed events to the store and mirrors them to slog.
type Logger struct {
	store  *datastore.Store
	log    *slog.Logger
	mu     sync.Mutex
	causes map[string]*rate.Limiter
}

// NewLogger creates an event logger over the store.
func NewLogger(store *datastore.Store) *Logger {
	return &Logger{
		store:  store,
		log:    logging.ForService("events"),
		causes: map[string]*rate.Limiter{},
	}
}

// Emit records one event. Store failures are logged and otherwise ignored;
// event emission must never take a component down.
func (l *Logger) Emit(eventType, message string, extra map[string]any) {
	record := datastore.EventRecord{
		ID:        model.NewID(),
		Timestamp: model.NowISO(),
		Type:      eventType,
		Message:   message,
		Extra:     extra,
	}
	if err := l.store.AppendEvents([]datastore.EventRecord{record}); err != nil {
		l.log.Error("failed to append event", "type", eventType, "error", err)
		return
	}
	l.log.Info(message, "type", eventType)
}

// EmitLimited records one event for the named cause at most once per
// interval. Reports whether the event was emitted.
func (l *Logger) EmitLimited(cause string, interval time.Duration, eventType, message string, extra map[string]any) bool {
	l.mu.Lock()
	limiter, ok := l.causes[cause]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
		l.causes[cause] = limiter
	}
	l.mu.Unlock()

	if !limiter.Allow() {
		return false
	}
	l.Emit(eventType, message, extra)
	return true
}

// ErrorDeduper suppresses repeats of an identical error message. Each
// component that surfaces errors holds its own instance.
type ErrorDeduper struct {
	mu   sync.Mutex
	last string
}

// ShouldEmit reports whether message differs from the previously seen one
// and records it as the new last error.
func (d *ErrorDeduper) ShouldEmit(message string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if message == d.last {
		return false
	}
	d.last = message
	return true
}

// Clear forgets the last error so the next occurrence is emitted again.
func (d *ErrorDeduper) Clear() {
	d.mu.Lock()
	d.last = ""
	d.mu.Unlock()
}
