// ABOUTME: Metrics ingestion pipeline run for every agent metrics frame
// ABOUTME: Cache, persist, mark online, evaluate alerts, broadcast and ack

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/opsbridge/internal/alerts"
	"github.com/2389/opsbridge/internal/hub"
	"github.com/2389/opsbridge/internal/store"
)

// Ack is the acknowledgment sent back to the agent after a metrics frame.
type Ack struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// MetricsAck is the acknowledgment for a processed metrics frame.
var MetricsAck = Ack{Type: "metrics_received", Status: "ok"}

// Evaluator evaluates alert thresholds for a server.
type Evaluator interface {
	Evaluate(ctx context.Context, serverID string, r alerts.Reading) (alerts.Result, error)
}

// Observer receives pipeline outcomes, typically for metrics collection.
type Observer interface {
	ObserveSnapshot(serverID string, delivered int)
	ObserveStageFailure(stage Stage)
	ObserveAlerts(created, resolved int)
}

// Deps holds the collaborators of a Pipeline. Any store may be nil, in
// which case that stage is skipped.
type Deps struct {
	Cache      *Cache
	Metrics    store.MetricStore
	Servers    store.ServerStateStore
	Logs       store.LogStore
	Evaluator  Evaluator
	MetricsHub *hub.Hub
	LogsHub    *hub.Hub
}

// Pipeline processes metrics frames from agents.
type Pipeline struct {
	deps     Deps
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewPipeline creates a pipeline. A nil Cache is replaced with a new one.
func NewPipeline(deps Deps, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Cache == nil {
		deps.Cache = NewCache()
	}
	return &Pipeline{
		deps:   deps,
		logger: logger.With("component", "ingest"),
		now:    time.Now,
	}
}

// SetObserver installs an observer for pipeline outcomes.
func (p *Pipeline) SetObserver(o Observer) {
	p.observer = o
}

// Cache returns the latest-value cache fed by this pipeline.
func (p *Pipeline) Cache() *Cache {
	return p.deps.Cache
}

// HandleMetrics runs a metrics payload through every stage. A malformed
// payload returns a protocol *StageError and a zero Ack. Otherwise the Ack
// is always returned, alongside any non-fatal stage failures joined into
// the error.
func (p *Pipeline) HandleMetrics(ctx context.Context, serverID string, raw json.RawMessage) (Ack, error) {
	now := p.now()
	snap, err := DecodeSnapshot(serverID, raw, now)
	if err != nil {
		p.stageFailed(StageProtocol)
		return Ack{}, &StageError{Stage: StageProtocol, Err: err}
	}

	p.deps.Cache.Put(snap)

	var errs []error
	fail := func(stage Stage, err error) {
		p.stageFailed(stage)
		errs = append(errs, &StageError{Stage: stage, Err: err})
	}

	if err := p.persist(ctx, snap); err != nil {
		fail(StagePersistence, err)
	}
	if p.deps.Servers != nil {
		if err := p.deps.Servers.MarkServerOnline(ctx, serverID, now.UTC()); err != nil {
			fail(StagePersistence, fmt.Errorf("marking server online: %w", err))
		}
	}
	if err := p.evaluate(ctx, snap); err != nil {
		fail(StageEvaluation, err)
	}

	delivered, err := p.broadcast(p.deps.MetricsHub, serverID, hub.PushMetrics, snap, now)
	if err != nil {
		fail(StageBroadcast, err)
	}
	if p.observer != nil {
		p.observer.ObserveSnapshot(serverID, delivered)
	}

	return MetricsAck, errors.Join(errs...)
}

func (p *Pipeline) persist(ctx context.Context, snap *Snapshot) error {
	if p.deps.Metrics == nil {
		return nil
	}
	rec, err := snap.Record()
	if err != nil {
		return err
	}
	if err := p.deps.Metrics.SaveMetric(ctx, rec); err != nil {
		return fmt.Errorf("saving metric: %w", err)
	}
	return nil
}

// evaluate runs the alert evaluator, converting a panic into an error so a
// faulty threshold never takes down the connection.
func (p *Pipeline) evaluate(ctx context.Context, snap *Snapshot) (err error) {
	if p.deps.Evaluator == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluator panic: %v", r)
		}
	}()

	res, err := p.deps.Evaluator.Evaluate(ctx, snap.ServerID, snap)
	if p.observer != nil && (len(res.Created) > 0 || len(res.Resolved) > 0) {
		p.observer.ObserveAlerts(len(res.Created), len(res.Resolved))
	}
	return err
}

func (p *Pipeline) broadcast(h *hub.Hub, serverID, pushType string, data any, now time.Time) (int, error) {
	if h == nil {
		return 0, nil
	}
	payload, err := hub.EncodePush(pushType, data, now)
	if err != nil {
		return 0, err
	}
	return h.Broadcast(serverID, payload), nil
}

// PublishLog records a log entry and pushes it to log subscribers of the
// entry's server. Persistence failure is logged and the push still happens.
func (p *Pipeline) PublishLog(ctx context.Context, entry *store.LogEntry) error {
	var errs []error
	if p.deps.Logs != nil {
		if err := p.deps.Logs.AppendLogEntry(ctx, entry); err != nil {
			p.logger.Warn("failed to persist log entry", "server_id", entry.ServerID, "error", err)
			errs = append(errs, &StageError{Stage: StagePersistence, Err: err})
		}
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = p.now().UTC()
	}
	if _, err := p.broadcast(p.deps.LogsHub, entry.ServerID, hub.PushLog, entry, p.now()); err != nil {
		errs = append(errs, &StageError{Stage: StageBroadcast, Err: err})
	}
	return errors.Join(errs...)
}

func (p *Pipeline) stageFailed(stage Stage) {
	if p.observer != nil {
		p.observer.ObserveStageFailure(stage)
	}
}
