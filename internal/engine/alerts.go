package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streamparty/watchsync/internal/realtime"
)

// Alert is an out-of-band operator notification broadcast on the admin
// topic.
type Alert struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// AlertListener joins the shared transport's admin topic and fans operator
// notices out to registered listeners. It rides the same socket as the sync
// sessions but owns its own subscription.
type AlertListener struct {
	transport realtime.Transport
	logger    *slog.Logger

	mu        sync.Mutex
	sub       realtime.Subscription
	listeners map[string]func(Alert)
}

func NewAlertListener(transport realtime.Transport, logger *slog.Logger) *AlertListener {
	return &AlertListener{
		transport: transport,
		logger:    logger,
		listeners: make(map[string]func(Alert)),
	}
}

// Start joins the admin topic. The transport must already be connected.
func (a *AlertListener) Start(ctx context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sub != nil {
		return nil
	}

	sub, err := a.transport.Join(ctx, AdminAlertsTopic, key, realtime.Handlers{
		OnBroadcast: a.handleBroadcast,
	})
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", AdminAlertsTopic, err)
	}

	a.sub = sub
	return nil
}

func (a *AlertListener) Stop(ctx context.Context) {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()

	if sub != nil {
		if err := sub.Leave(ctx); err != nil {
			a.logger.Debug("failed to leave admin topic", "error", err)
		}
	}
}

func (a *AlertListener) Subscribe(id string, fn func(Alert)) {
	a.mu.Lock()
	a.listeners[id] = fn
	a.mu.Unlock()
}

func (a *AlertListener) Unsubscribe(id string) {
	a.mu.Lock()
	delete(a.listeners, id)
	a.mu.Unlock()
}

func (a *AlertListener) handleBroadcast(event string, payload []byte) {
	if event != "alert" {
		return
	}

	var alert Alert
	if err := json.Unmarshal(payload, &alert); err != nil {
		a.logger.Warn("dropping malformed alert", "error", err)
		return
	}

	a.mu.Lock()
	fns := make([]func(Alert), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(alert)
	}
}
