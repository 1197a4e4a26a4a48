// Package bus provides the internal lifecycle publish/subscribe backbone
// for the edge node: an embedded NATS server used only for best-effort
// notifications between components (event started/finalized, package
// done/needs_cloud). It never carries the bounded analysis/cloud job
// queues — those are plain Go channels so their full/backpressure
// semantics stay an explicit, testable invariant.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects used by the edge node. Subscribers match these verbatim; they
// are not a public wire contract, just internal notification topics.
const (
	SubjectEventStarted      = "event.started"
	SubjectEventFinalized    = "event.finalized"
	SubjectPackageDone       = "package.done"
	SubjectPackageNeedsCloud = "package.needs_cloud"
)

// Bus wraps an embedded NATS server and a client connection to it.
type Bus struct {
	srv    *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subsMu sync.Mutex
	subs   []*nats.Subscription
}

// Config configures the embedded bus.
type Config struct {
	Host string
	Port int
}

// Start launches an embedded NATS server bound to Host:Port and connects
// a client to it.
func Start(cfg Config, logger *slog.Logger) (*Bus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready after 2s (port %d)", cfg.Port)
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded nats: %w", err)
	}

	b := &Bus{
		srv:    ns,
		conn:   nc,
		logger: logger.With("component", "bus"),
	}
	b.logger.Info("event bus started", "url", ns.ClientURL())
	return b, nil
}

// Publish marshals v to JSON and publishes it to subject. Best-effort:
// errors are logged, never returned to the caller's hot path.
func (b *Bus) Publish(subject string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Warn("failed to marshal bus message", "subject", subject, "error", err)
		return
	}
	if err := b.conn.Publish(subject, payload); err != nil {
		b.logger.Warn("failed to publish bus message", "subject", subject, "error", err)
	}
}

// Subscribe registers handler for subject and tracks the subscription for
// Close.
func (b *Bus) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()
	return nil
}

// Close drains subscriptions, closes the client connection, and shuts
// down the embedded server.
func (b *Bus) Close() {
	b.subsMu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subsMu.Unlock()

	_ = b.conn.Drain()
	b.srv.Shutdown()
	b.logger.Info("event bus stopped")
}
