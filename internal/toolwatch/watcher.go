// Package toolwatch subscribes to the tool host's update stream and applies
// install, update and uninstall events to the schema registry. When the
// stream cannot be re-established the watcher gives up loudly and the
// registry falls back to its poll cadence.
package toolwatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/dispatch/internal/backoff"
	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/health"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// Updater receives tool-host events. Satisfied by registry.Registry.
type Updater interface {
	ApplyEvent(ctx context.Context, eventType, toolID string) error
}

// Event is one frame on the update stream. ID is optional; when the host
// sends one, replayed frames are dropped.
type Event struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type"`
	ToolID string `json:"tool_id"`
}

// seenCap bounds the replay-dedup set.
const seenCap = 1024

// Watcher maintains the WebSocket subscription.
type Watcher struct {
	cfg     config.WatchConfig
	updater Updater
	ledger  *health.Ledger
	log     *observability.Logger
	policy  backoff.Policy
	dialer  *websocket.Dialer

	mu        sync.Mutex
	seen      map[string]bool
	seenOrder []string
}

// NewWatcher builds a watcher against the configured stream URL.
func NewWatcher(cfg config.WatchConfig, updater Updater, ledger *health.Ledger, log *observability.Logger) *Watcher {
	return &Watcher{
		cfg:     cfg,
		updater: updater,
		ledger:  ledger,
		log:     log.Component("toolwatch"),
		policy:  backoff.ReconnectPolicy(),
		dialer:  websocket.DefaultDialer,
		seen:    make(map[string]bool),
	}
}

// Run connects and consumes frames until the context ends or the reconnect
// budget is exhausted. Each successful connection resets the attempt count.
func (w *Watcher) Run(ctx context.Context) {
	if w.cfg.URL == "" {
		w.log.Info(ctx, "no update stream configured, relying on poll cadence")
		return
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := w.dialer.DialContext(ctx, w.cfg.URL, nil)
		if err == nil {
			attempt = 0
			w.consume(ctx, conn)
			continue
		}

		attempt++
		if w.cfg.MaxAttempts > 0 && attempt >= w.cfg.MaxAttempts {
			w.giveUp(ctx, err, attempt)
			return
		}

		delay := backoff.Compute(w.policy, attempt)
		w.log.Warn(ctx, "update stream dial failed",
			"attempt", attempt, "retry_in", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// consume reads frames until the connection drops.
func (w *Watcher) consume(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	w.log.Info(ctx, "update stream connected", "url", w.cfg.URL)

	for {
		if ctx.Err() != nil {
			return
		}
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			w.log.Warn(ctx, "update stream closed", "error", err)
			return
		}
		w.Handle(ctx, ev)
	}
}

// Handle applies a single event. Replays of an already-seen frame id and
// malformed frames are dropped; a failed registry apply is logged but does
// not tear down the stream.
func (w *Watcher) Handle(ctx context.Context, ev Event) {
	if ev.Type == "" || ev.ToolID == "" {
		w.log.Warn(ctx, "dropping malformed update frame", "type", ev.Type, "tool_id", ev.ToolID)
		return
	}
	if ev.ID != "" && !w.markSeen(ev.ID) {
		w.log.Debug(ctx, "dropping replayed update frame", "id", ev.ID)
		return
	}

	if err := w.updater.ApplyEvent(ctx, ev.Type, ev.ToolID); err != nil {
		w.log.Warn(ctx, "apply update event failed",
			"event", ev.Type, "tool_id", ev.ToolID, "error", err)
		return
	}
	w.log.Info(ctx, "applied update event", "event", ev.Type, "tool_id", ev.ToolID)
}

// markSeen records a frame id, reporting false when it was already present.
func (w *Watcher) markSeen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen[id] {
		return false
	}
	if len(w.seenOrder) >= seenCap {
		delete(w.seen, w.seenOrder[0])
		w.seenOrder = w.seenOrder[1:]
	}
	w.seen[id] = true
	w.seenOrder = append(w.seenOrder, id)
	return true
}

// giveUp records a high-severity event so operators see that schema updates
// now arrive only through the periodic refresh.
func (w *Watcher) giveUp(ctx context.Context, err error, attempts int) {
	w.ledger.RecordFailure(models.ErrorEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Component: "toolwatch",
		ErrorType: "update_stream_lost",
		Message:   fmt.Sprintf("update stream unreachable after %d attempts: %v", attempts, err),
		Category:  models.CategoryNetwork,
		Severity:  models.SeverityHigh,
	})
	w.log.Error(ctx, "update stream abandoned, falling back to poll cadence",
		"attempts", attempts, "error", err)
}
