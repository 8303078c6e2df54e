package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/table"
)

// StoredLabel is one persisted label with its address.
type StoredLabel struct {
	ModelID int
	At      ir.Coord
	Label   ir.Label
}

// Snapshot is the persisted state of a table.
type Snapshot struct {
	Models      []ir.Model
	Labels      []StoredLabel
	LastEventID int64
}

// Load reads every model and label plus the last audited event id.
// Results are ordered by model id, cell and key.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	models, err := s.readModels(ctx)
	if err != nil {
		return nil, err
	}
	labels, err := s.readLabels(ctx)
	if err != nil {
		return nil, err
	}
	last, err := s.LastEventID(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Models: models, Labels: labels, LastEventID: last}, nil
}

func (s *Store) readModels(ctx context.Context) ([]ir.Model, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, type FROM models ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	models := []ir.Model{}
	for rows.Next() {
		var m ir.Model
		if err := rows.Scan(&m.ID, &m.Name, &m.Type); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate models: %w", err)
	}
	return models, nil
}

func (s *Store) readLabels(ctx context.Context) ([]StoredLabel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_id, p, r, c, k, t, v
		FROM labels
		ORDER BY model_id ASC, p ASC, r ASC, c ASC, k COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query labels: %w", err)
	}
	defer rows.Close()

	labels := []StoredLabel{}
	for rows.Next() {
		var (
			sl StoredLabel
			v  string
		)
		if err := rows.Scan(&sl.ModelID, &sl.At.P, &sl.At.R, &sl.At.C, &sl.Label.K, &sl.Label.T, &v); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		if sl.Label.V, err = unmarshalValue(v); err != nil {
			return nil, fmt.Errorf("label %s: %w", sl.Label.K, err)
		}
		labels = append(labels, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate labels: %w", err)
	}
	return labels, nil
}

// LastEventID returns the highest audited event id (0 when none).
func (s *Store) LastEventID(ctx context.Context) (int64, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(event_id) FROM events`).Scan(&last); err != nil {
		return 0, fmt.Errorf("query last event id: %w", err)
	}
	return last.Int64, nil
}

// ReadEvents returns audited events with event_id > after, oldest first.
// limit <= 0 means no limit.
func (s *Store) ReadEvents(ctx context.Context, after int64, limit int) ([]ir.Event, error) {
	return s.QueryEvents(ctx, EventQuery{After: after, Limit: limit})
}

func scanEvent(rows *sql.Rows) (ir.Event, error) {
	var (
		e            ir.Event
		op, result   string
		label, prevL sql.NullString
	)
	if err := rows.Scan(&e.ID, &op, &e.ModelID, &e.P, &e.R, &e.C, &label, &prevL, &result, &e.Reason); err != nil {
		return ir.Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Op = ir.EventOp(op)
	e.Result = ir.EventResult(result)

	var err error
	if e.Label, err = unmarshalLabel(label); err != nil {
		return ir.Event{}, fmt.Errorf("event %d: %w", e.ID, err)
	}
	if e.Prev, err = unmarshalLabel(prevL); err != nil {
		return ir.Event{}, fmt.Errorf("event %d: %w", e.ID, err)
	}
	return e, nil
}

// Restore loads the snapshot into t without writing event log entries or
// calling the observer. Labels of models missing from the snapshot's model
// list are restored under an unnamed model.
func (snap *Snapshot) Restore(t *table.Table) {
	byID := make(map[int]ir.Model, len(snap.Models))
	for _, m := range snap.Models {
		byID[m.ID] = m
		t.RestoreModel(m)
	}
	for _, sl := range snap.Labels {
		m, ok := byID[sl.ModelID]
		if !ok {
			m = ir.Model{ID: sl.ModelID}
		}
		t.Restore(m, sl.At, sl.Label)
	}
}
