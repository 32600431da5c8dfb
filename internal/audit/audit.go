// Package audit checks the circulation data for broken invariants. Checks
// only report: nothing here ever corrects the data it inspects.
package audit

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Check is a measurable property of the stored data that must stay within
// its threshold.
type Check struct {
	Name        string
	Description string
	Query       func(context.Context) (float64, error)
	Threshold   Threshold
}

// Threshold bounds a check's value.
type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Violation records a check outside its threshold. Actual is -1 when the
// check could not be evaluated.
type Violation struct {
	Check     string    `json:"check"`
	Operator  string    `json:"operator"`
	Expected  float64   `json:"expected"`
	Actual    float64   `json:"actual"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the outcome of one audit run.
type Report struct {
	StartTime  time.Time          `json:"start_time"`
	EndTime    time.Time          `json:"end_time"`
	Values     map[string]float64 `json:"values"`
	Violations []Violation        `json:"violations"`
}

// Healthy reports whether every check held.
func (r *Report) Healthy() bool {
	return len(r.Violations) == 0
}

// Auditor runs registered checks.
type Auditor struct {
	tracer trace.Tracer
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	checks []Check
	last   *Report
}

// NewAuditor creates an auditor with no checks.
func NewAuditor(logger *zap.Logger) *Auditor {
	return &Auditor{
		tracer: otel.Tracer("libraai/audit"),
		logger: logger.Named("audit"),
		now:    func() time.Time { return time.Now().UTC() },
		checks: make([]Check, 0),
	}
}

// Register adds checks to the audit.
func (a *Auditor) Register(checks ...Check) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checks = append(a.checks, checks...)
}

// Checks returns the registered checks.
func (a *Auditor) Checks() []Check {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Check(nil), a.checks...)
}

// Run evaluates every check and keeps the report as the latest one.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	ctx, span := a.tracer.Start(ctx, "audit.run")
	defer span.End()

	report := &Report{
		StartTime:  a.now(),
		Values:     make(map[string]float64),
		Violations: make([]Violation, 0),
	}

	for _, check := range a.Checks() {
		value, err := check.Query(ctx)
		if err != nil {
			span.RecordError(err)
			a.logger.Error("audit check failed", zap.String("check", check.Name), zap.Error(err))
			report.Violations = append(report.Violations, Violation{
				Check:     check.Name,
				Operator:  check.Threshold.Operator,
				Expected:  check.Threshold.Value,
				Actual:    -1,
				Error:     err.Error(),
				Timestamp: a.now(),
			})
			continue
		}

		report.Values[check.Name] = value
		if !evaluateThreshold(value, check.Threshold) {
			a.logger.Warn("invariant violated",
				zap.String("check", check.Name),
				zap.String("operator", check.Threshold.Operator),
				zap.Float64("expected", check.Threshold.Value),
				zap.Float64("actual", value),
			)
			report.Violations = append(report.Violations, Violation{
				Check:     check.Name,
				Operator:  check.Threshold.Operator,
				Expected:  check.Threshold.Value,
				Actual:    value,
				Timestamp: a.now(),
			})
		}
	}
	report.EndTime = a.now()

	a.mu.Lock()
	a.last = report
	a.mu.Unlock()

	span.SetAttributes(
		attribute.Int("checks", len(report.Values)),
		attribute.Int("violations", len(report.Violations)),
	)
	if !report.Healthy() {
		span.SetStatus(codes.Error, "invariants violated")
	}
	a.logger.Info("audit finished", zap.Bool("healthy", report.Healthy()), zap.Int("violations", len(report.Violations)))
	return report, nil
}

// LastReport returns the most recent report, or nil before the first run.
func (a *Auditor) LastReport() *Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}
