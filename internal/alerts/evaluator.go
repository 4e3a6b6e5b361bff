// ABOUTME: Alert Threshold Evaluator comparing metrics against per-server thresholds.
// ABOUTME: Keeps a direct open-alert index so re-evaluation never duplicates alerts.

package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/2389/opsbridge/internal/store"
)

// Reading exposes metric values from a telemetry snapshot. ok is false when
// the snapshot carries no value for metricType.
type Reading interface {
	MetricValue(metricType string) (value float64, ok bool)
}

// Result describes the alert transitions produced by one evaluation.
type Result struct {
	Created  []*store.Alert
	Resolved []*store.Alert
}

// Evaluator maintains deduplicated alert state per server.
type Evaluator struct {
	store  store.AlertStore
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	servers map[string]*serverState
}

// serverState is the open-alert index for one server, keyed by metric type.
// Its mutex serialises evaluations for that server only.
type serverState struct {
	mu     sync.Mutex
	warmed bool
	open   map[string]*store.Alert
}

// NewEvaluator creates an Evaluator backed by s. Pass nil logger for default.
func NewEvaluator(s store.AlertStore, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		store:   s,
		logger:  logger.With("component", "alerts"),
		now:     time.Now,
		servers: make(map[string]*serverState),
	}
}

// Evaluate checks every enabled threshold for serverID against r and
// creates or resolves alerts. Thresholds on the same metric share one alert:
// it opens from the most severe breached threshold and resolves only once
// none is breached. Re-running with identical input is a no-op. Failures on
// individual metrics are joined into the returned error; the remaining
// metrics are still evaluated.
func (e *Evaluator) Evaluate(ctx context.Context, serverID string, r Reading) (Result, error) {
	var res Result

	st := e.state(serverID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := e.warm(ctx, serverID, st); err != nil {
		return res, err
	}

	thresholds, err := e.store.ListThresholds(ctx, serverID)
	if err != nil {
		return res, fmt.Errorf("loading thresholds: %w", err)
	}

	var errs []error
	for _, g := range groupByMetric(thresholds) {
		value, ok := r.MetricValue(g.metric)
		if !ok {
			e.logger.Debug("no value for threshold metric", "server_id", serverID, "metric", g.metric)
			continue
		}

		worst := worstBreach(g.thresholds, value)
		existing := st.open[g.metric]
		switch {
		case worst != nil && existing == nil:
			alert, err := e.create(ctx, serverID, worst, value, st)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if alert != nil {
				res.Created = append(res.Created, alert)
			}
		case worst == nil && existing != nil:
			resolved, err := e.resolve(ctx, existing, st)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if resolved {
				res.Resolved = append(res.Resolved, existing)
			}
		}
	}
	return res, errors.Join(errs...)
}

// metricThresholds holds the enabled thresholds configured for one metric.
type metricThresholds struct {
	metric     string
	thresholds []*store.AlertThreshold
}

// groupByMetric collects enabled non-network thresholds per metric type in
// first-seen order. A metric has at most one open alert, so its thresholds
// are judged together.
func groupByMetric(thresholds []*store.AlertThreshold) []metricThresholds {
	var groups []metricThresholds
	index := make(map[string]int)
	for _, t := range thresholds {
		if !t.Enabled || t.MetricType == store.MetricNetwork {
			continue
		}
		i, ok := index[t.MetricType]
		if !ok {
			i = len(groups)
			index[t.MetricType] = i
			groups = append(groups, metricThresholds{metric: t.MetricType})
		}
		groups[i].thresholds = append(groups[i].thresholds, t)
	}
	return groups
}

// worstBreach returns the breached threshold with the highest severity for
// value, or nil when none is breached. Ties go to the first threshold.
func worstBreach(thresholds []*store.AlertThreshold, value float64) *store.AlertThreshold {
	var worst *store.AlertThreshold
	for _, t := range thresholds {
		if !Exceeded(value, t.Comparison, t.ThresholdValue) {
			continue
		}
		if worst == nil {
			worst = t
			continue
		}
		if Severity(value, t.Comparison, t.ThresholdValue) == store.SeverityCritical &&
			Severity(value, worst.Comparison, worst.ThresholdValue) != store.SeverityCritical {
			worst = t
		}
	}
	return worst
}

// OpenAlerts returns the indexed unresolved alerts for serverID, or nil if
// the server has not been evaluated yet.
func (e *Evaluator) OpenAlerts(serverID string) []*store.Alert {
	e.mu.Lock()
	st, ok := e.servers[serverID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.warmed {
		return nil
	}
	out := make([]*store.Alert, 0, len(st.open))
	for _, a := range st.open {
		c := *a
		out = append(out, &c)
	}
	return out
}

// Forget drops the cached index for serverID; the next evaluation reloads
// it from the store.
func (e *Evaluator) Forget(serverID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.servers, serverID)
}

func (e *Evaluator) state(serverID string) *serverState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.servers[serverID]
	if !ok {
		st = &serverState{open: make(map[string]*store.Alert)}
		e.servers[serverID] = st
	}
	return st
}

// warm loads unresolved alerts from the store the first time a server is
// evaluated. Caller holds st.mu.
func (e *Evaluator) warm(ctx context.Context, serverID string, st *serverState) error {
	if st.warmed {
		return nil
	}
	open, err := e.store.ListOpenAlerts(ctx, serverID)
	if err != nil {
		return fmt.Errorf("loading open alerts: %w", err)
	}
	clear(st.open)
	for _, a := range open {
		st.open[a.Type] = a
	}
	st.warmed = true
	return nil
}

func (e *Evaluator) create(ctx context.Context, serverID string, t *store.AlertThreshold, value float64, st *serverState) (*store.Alert, error) {
	alert := &store.Alert{
		ServerID:     serverID,
		Type:         t.MetricType,
		Severity:     Severity(value, t.Comparison, t.ThresholdValue),
		Message:      Message(t.MetricType, value, t.Comparison, t.ThresholdValue),
		Threshold:    t.ThresholdValue,
		CurrentValue: value,
		CreatedAt:    e.now().UTC(),
	}

	err := e.store.CreateAlert(ctx, alert)
	if errors.Is(err, store.ErrDuplicateOpenAlert) {
		// Another writer opened one; resync the index from the store.
		st.warmed = false
		if werr := e.warm(ctx, serverID, st); werr != nil {
			return nil, werr
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s alert: %w", t.MetricType, err)
	}

	st.open[t.MetricType] = alert
	e.logger.Info("alert opened",
		"server_id", serverID,
		"metric", t.MetricType,
		"severity", alert.Severity,
		"value", value,
		"threshold", t.ThresholdValue,
	)
	return alert, nil
}

func (e *Evaluator) resolve(ctx context.Context, alert *store.Alert, st *serverState) (bool, error) {
	at := e.now().UTC()
	changed, err := e.store.ResolveAlert(ctx, alert.ID, at)
	if err != nil {
		return false, fmt.Errorf("resolving %s alert: %w", alert.Type, err)
	}
	delete(st.open, alert.Type)
	if !changed {
		return false, nil
	}

	alert.Resolved = true
	alert.ResolvedAt = &at
	e.logger.Info("alert resolved", "server_id", alert.ServerID, "metric", alert.Type, "alert_id", alert.ID)
	return true, nil
}

// Exceeded reports whether value breaches threshold under comparison.
func Exceeded(value float64, comparison string, threshold float64) bool {
	switch comparison {
	case store.ComparisonGT:
		return value > threshold
	case store.ComparisonLT:
		return value < threshold
	default:
		return false
	}
}

// Severity grades a breach by its distance from the threshold. Greater-than
// breaches above 1.5x are critical; less-than breaches below 0.5x are
// critical. Everything else is a warning.
func Severity(value float64, comparison string, threshold float64) string {
	switch comparison {
	case store.ComparisonGT:
		if value > threshold*1.5 {
			return store.SeverityCritical
		}
	case store.ComparisonLT:
		if value < threshold*0.5 {
			return store.SeverityCritical
		}
	}
	return store.SeverityWarning
}

// Message renders the human-readable alert text, e.g.
// "CPU usage is 85.0%, which exceeds threshold of > 80%".
func Message(metricType string, value float64, comparison string, threshold float64) string {
	op := ">"
	if comparison == store.ComparisonLT {
		op = "<"
	}
	return fmt.Sprintf("%s usage is %.1f%%, which exceeds threshold of %s %s%%",
		strings.ToUpper(metricType), value, op, strconv.FormatFloat(threshold, 'f', -1, 64))
}
