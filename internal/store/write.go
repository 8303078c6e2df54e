package store

import (
	"context"
	"fmt"

	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/table"
)

var _ table.Observer = (*Store)(nil)

// EnsureModel records a model. An existing row is left untouched.
func (s *Store) EnsureModel(m ir.Model) error {
	err := s.exec(`
		INSERT INTO models (id, name, type) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, m.ID, m.Name, m.Type)
	if err != nil {
		return fmt.Errorf("ensure model %d: %w", m.ID, err)
	}
	return nil
}

// OnLabelAdded upserts the label row. The model row is created first when
// missing, so labels of restored models persist too.
func (s *Store) OnLabelAdded(ch ir.LabelChange) error {
	v, err := marshalValue(ch.Label.V)
	if err != nil {
		return fmt.Errorf("label added %s: %w", ch.Label.K, err)
	}
	if err := s.EnsureModel(ch.Model); err != nil {
		return err
	}
	err = s.exec(`
		INSERT INTO labels (model_id, p, r, c, k, t, v) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id, p, r, c, k) DO UPDATE SET t = excluded.t, v = excluded.v
	`, ch.Model.ID, ch.P, ch.R, ch.C, ch.Label.K, ch.Label.T, v)
	if err != nil {
		return fmt.Errorf("label added %s: %w", ch.Label.K, err)
	}
	return nil
}

// OnLabelRemoved deletes the label row.
func (s *Store) OnLabelRemoved(ch ir.LabelChange) error {
	err := s.exec(`
		DELETE FROM labels WHERE model_id = ? AND p = ? AND r = ? AND c = ? AND k = ?
	`, ch.Model.ID, ch.P, ch.R, ch.C, ch.Label.K)
	if err != nil {
		return fmt.Errorf("label removed %s: %w", ch.Label.K, err)
	}
	return nil
}

// WriteEvents appends event log entries in one transaction. Entries whose
// event_id is already stored are ignored.
func (s *Store) WriteEvents(ctx context.Context, events []ir.Event) error {
	if len(events) == 0 {
		return nil
	}
	return retryOp(s.retry, func() error {
		return s.writeEvents(ctx, events)
	})
}

func (s *Store) writeEvents(ctx context.Context, events []ir.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write events: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO events
		(event_id, op, model_id, p, r, c, label, prev_label, result, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write events: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		label, err := marshalLabel(e.Label)
		if err != nil {
			return fmt.Errorf("write event %d: %w", e.ID, err)
		}
		prev, err := marshalLabel(e.Prev)
		if err != nil {
			return fmt.Errorf("write event %d: %w", e.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, string(e.Op), e.ModelID, e.P, e.R, e.C,
			label, prev, string(e.Result), e.Reason,
		); err != nil {
			return fmt.Errorf("write event %d: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write events: commit: %w", err)
	}
	return nil
}
