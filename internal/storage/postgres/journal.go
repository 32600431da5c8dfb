package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libraai/internal/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// journalRow is a loan_events row before its snapshot is decoded.
type journalRow struct {
	circulation.LoanEvent
	SnapshotJSON []byte `db:"snapshot"`
}

// appendEvent records the loan as written, keyed by its new version. The
// unique (loan_id, version) constraint rejects a second writer that raced
// past the conditional update.
func (s *Store) appendEvent(ctx context.Context, tx *sqlx.Tx, loan *circulation.Loan, eventType string) error {
	snapshot, err := json.Marshal(loan)
	if err != nil {
		return fmt.Errorf("encode loan snapshot: %w", err)
	}

	var eventID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO loan_events (loan_id, event_type, snapshot, version, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, loan.ID, eventType, snapshot, loan.Version, s.now()).Scan(&eventID)
	if err != nil {
		if isUniqueViolation(err, "loan_events_loan_version") {
			return circulation.ErrVersionConflict
		}
		return fmt.Errorf("append loan event: %w", err)
	}

	trace.SpanFromContext(ctx).AddEvent("loan.event_appended", trace.WithAttributes(
		attribute.Int64("event.id", eventID),
		attribute.Int("event.version", loan.Version),
		attribute.String("event.type", eventType),
	))
	return nil
}

// LoanHistory returns the loan's journal in version order.
func (s *Store) LoanHistory(ctx context.Context, loanID uuid.UUID) ([]*circulation.LoanEvent, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.loan_history",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())),
	)
	defer span.End()

	rows := make([]journalRow, 0)
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, loan_id, event_type, snapshot, version, recorded_at
		FROM loan_events
		WHERE loan_id = $1
		ORDER BY version ASC
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("query loan events: %w", err)
	}

	events := make([]*circulation.LoanEvent, 0, len(rows))
	for i := range rows {
		event := rows[i].LoanEvent
		if err := json.Unmarshal(rows[i].SnapshotJSON, &event.Snapshot); err != nil {
			return nil, fmt.Errorf("decode loan event %d: %w", event.ID, err)
		}
		events = append(events, &event)
	}
	return events, nil
}
