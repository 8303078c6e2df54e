package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/modeltable/internal/ir"
)

// Predicate filters persisted events. Implementations: Equals, And.
type Predicate interface {
	predicateNode()
}

// Equals matches rows whose column equals Value.
type Equals struct {
	Field string
	Value any
}

func (Equals) predicateNode() {}

// And matches rows that satisfy every predicate. An empty And matches all.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// EventQuery selects persisted events with event_id > After, oldest first.
// Limit <= 0 means no limit.
type EventQuery struct {
	After  int64
	Limit  int
	Filter Predicate
}

// filterColumns are the events columns a predicate may reference.
var filterColumns = map[string]bool{
	"op":       true,
	"model_id": true,
	"p":        true,
	"r":        true,
	"c":        true,
	"result":   true,
	"reason":   true,
}

// EventFilter builds an And of Equals predicates from the non-empty
// criteria. modelID < 0 matches every model.
func EventFilter(modelID int, op ir.EventOp, result ir.EventResult, reason string) Predicate {
	var and And
	if modelID >= 0 {
		and.Predicates = append(and.Predicates, Equals{Field: "model_id", Value: modelID})
	}
	if op != "" {
		and.Predicates = append(and.Predicates, Equals{Field: "op", Value: string(op)})
	}
	if result != "" {
		and.Predicates = append(and.Predicates, Equals{Field: "result", Value: string(result)})
	}
	if reason != "" {
		and.Predicates = append(and.Predicates, Equals{Field: "reason", Value: reason})
	}
	return and
}

// compileEventQuery turns q into parameterized SQL. Values are never
// interpolated and rows are always ordered by event_id.
func compileEventQuery(q EventQuery) (string, []any, error) {
	where := "event_id > ?"
	params := []any{q.After}

	if q.Filter != nil {
		sql, fp, err := compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		if sql != "" {
			where += " AND " + sql
			params = append(params, fp...)
		}
	}

	query := "SELECT event_id, op, model_id, p, r, c, label, prev_label, result, reason" +
		" FROM events WHERE " + where + " ORDER BY event_id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		params = append(params, q.Limit)
	}
	return query, params, nil
}

// compilePredicate returns "" for a predicate that matches everything.
func compilePredicate(p Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case Equals:
		return compileEquals(pred)
	case *Equals:
		return compileEquals(*pred)
	case And:
		return compileAnd(pred)
	case *And:
		return compileAnd(*pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func compileEquals(eq Equals) (string, []any, error) {
	if !filterColumns[eq.Field] {
		return "", nil, fmt.Errorf("unknown event field %q", eq.Field)
	}
	switch eq.Value.(type) {
	case string, int, int64, bool:
	default:
		return "", nil, fmt.Errorf("field %s: unsupported value type %T", eq.Field, eq.Value)
	}
	return eq.Field + " = ?", []any{eq.Value}, nil
}

func compileAnd(and And) (string, []any, error) {
	var parts []string
	var params []any
	for _, pred := range and.Predicates {
		sql, p, err := compilePredicate(pred)
		if err != nil {
			return "", nil, err
		}
		if sql == "" {
			continue
		}
		parts = append(parts, sql)
		params = append(params, p...)
	}
	return strings.Join(parts, " AND "), params, nil
}

// QueryEvents returns the audited events selected by q.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]ir.Event, error) {
	query, params, err := compileEventQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []ir.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
