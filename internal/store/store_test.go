package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/table"
)

func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var cell = ir.Coord{P: 1, R: 2, C: 3}

func TestOpen_Drivers(t *testing.T) {
	for _, driver := range []string{DriverCGO, DriverPureGo} {
		t.Run(driver, func(t *testing.T) {
			s := createTestStore(t, WithDriver(driver))
			assert.Equal(t, driver, s.Driver())
			assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
			assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
			assert.NoError(t, s.verifyPragma("user_version", "1"))
		})
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.EnsureModel(ir.Model{ID: 1, Name: "m1", Type: ir.ModelTypeData}))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	snap, err := s2.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ir.Model{{ID: 1, Name: "m1", Type: ir.ModelTypeData}}, snap.Models)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "x.db"), WithDriver("postgres"))
	assert.ErrorContains(t, err, "unsupported sqlite driver")
}

func TestObserver_MirrorsTable(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tb := table.New(table.WithObserver(s))

	tb.CreateModel(1, "m1", ir.ModelTypeData)
	tb.AddLabel(1, cell, ir.Label{K: "n", T: ir.TagInt, V: int64(5)})
	tb.AddLabel(1, cell, ir.Label{K: "doc", T: ir.TagJSON, V: map[string]any{"a": []any{int64(1), "x"}, "b": nil}})
	tb.AddLabel(1, cell, ir.Label{K: "gone", T: ir.TagStr, V: "bye"})
	tb.AddLabel(1, cell, ir.Label{K: "n", T: ir.TagInt, V: int64(6)})
	tb.RmLabel(1, cell, "gone")

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []StoredLabel{
		{ModelID: 1, At: cell, Label: ir.Label{K: "doc", T: ir.TagJSON, V: map[string]any{"a": []any{int64(1), "x"}, "b": nil}}},
		{ModelID: 1, At: cell, Label: ir.Label{K: "n", T: ir.TagInt, V: int64(6)}},
	}, snap.Labels)
}

func TestObserver_RestoredModelLabelsPersist(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.OnLabelAdded(ir.LabelChange{
		Model: ir.Model{ID: 7, Name: "late"},
		P:     0, R: 0, C: 0,
		Label: ir.Label{K: "k", T: ir.TagBool, V: true},
	}))

	snap, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Models, 1)
	assert.Equal(t, 7, snap.Models[0].ID)
}

func TestObserver_UnserialisableValue(t *testing.T) {
	s := createTestStore(t)
	err := s.OnLabelAdded(ir.LabelChange{
		Model: ir.Model{ID: 1},
		Label: ir.Label{K: "f", T: ir.TagJSON, V: func() {}},
	})
	assert.Error(t, err)
}

func TestSnapshot_RestoreAndResumeClock(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tb := table.New(table.WithObserver(s))
	tb.CreateModel(1, "m1", ir.ModelTypeData)
	tb.AddLabel(1, cell, ir.Label{K: "title", T: ir.TagStr, V: "hello"})
	tb.AddLabel(1, cell, ir.Label{K: "count", T: ir.TagInt, V: int64(2)})

	sink := NewAuditSink(s, tb)
	_, err := sink.Flush(ctx)
	require.NoError(t, err)

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.LastEventID)

	restored := table.New(table.WithClock(table.NewClockAt(snap.LastEventID)))
	snap.Restore(restored)

	l, ok := restored.Label(ir.Ref(1, cell, "title"))
	require.True(t, ok)
	assert.Equal(t, "hello", l.V)
	assert.Empty(t, restored.Events(), "restore writes no event log entries")

	restored.AddLabel(1, cell, ir.Label{K: "more", T: ir.TagBool, V: true})
	assert.Equal(t, int64(3), restored.LastEventID())
}

func TestAuditSink_PersistsAllEntries(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tb := table.New()
	tb.CreateModel(1, "m1", ir.ModelTypeData)
	tb.AddLabel(1, cell, ir.Label{K: "a", T: ir.TagStr, V: "x"})
	tb.Reject(1, cell, &ir.Label{K: "", T: ir.TagStr, V: "y"}, ir.ReasonInvalidLabelK)
	tb.RmLabel(1, cell, "a")

	sink := NewAuditSink(s, tb)
	n, err := sink.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, sink.Cursor())

	n, err = sink.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	events, err := s.ReadEvents(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, tb.Events(), events)

	rejected := events[1]
	assert.Equal(t, ir.ResultRejected, rejected.Result)
	assert.Equal(t, ir.ReasonInvalidLabelK, rejected.Reason)
	assert.Equal(t, "y", rejected.Label.V)

	removed := events[2]
	assert.Equal(t, ir.OpRmLabel, removed.Op)
}

func TestReadEvents_AfterAndLimit(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	var events []ir.Event
	for i := int64(1); i <= 5; i++ {
		events = append(events, ir.Event{ID: i, Op: ir.OpAddLabel, ModelID: 1, Label: &ir.Label{K: "k", T: ir.TagInt, V: i}, Result: ir.ResultApplied})
	}
	require.NoError(t, s.WriteEvents(ctx, events))
	require.NoError(t, s.WriteEvents(ctx, events[:2]), "rewriting stored ids is ignored")

	got, err := s.ReadEvents(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, int64(4), got[1].ID)

	last, err := s.LastEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)
}

func TestAuditSink_FailureKeepsCursor(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	tb := table.New()
	tb.CreateModel(1, "m1", ir.ModelTypeData)
	tb.AddLabel(1, cell, ir.Label{K: "a", T: ir.TagStr, V: "x"})

	sink := NewAuditSink(s, tb)
	require.NoError(t, s.Close())

	_, err = sink.Flush(context.Background())
	assert.Error(t, err)
	assert.Zero(t, sink.Cursor())
}

func TestAuditSink_RunFlushesOnCancel(t *testing.T) {
	s := createTestStore(t)
	tb := table.New()
	tb.CreateModel(1, "m1", ir.ModelTypeData)
	tb.AddLabel(1, cell, ir.Label{K: "a", T: ir.TagStr, V: "x"})

	sink := NewAuditSink(s, tb)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sink.Run(ctx, time.Hour)
	}()
	cancel()
	<-done

	assert.Equal(t, 1, sink.Cursor())
}

func TestRetryOp(t *testing.T) {
	cfg := retryConfig{maxRetries: 3}

	calls := 0
	err := retryOp(cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY: database is locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retryOp(cfg, func() error {
		calls++
		return errors.New("constraint failed")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "non-transient errors are not retried")

	calls = 0
	err = retryOp(cfg, func() error {
		calls++
		return errors.New("database table is locked")
	})
	assert.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("exec: SQLITE_LOCKED"), true},
		{errors.New("disk I/O error (522)"), true},
		{errors.New("no such table: labels"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isTransient(tt.err), "%v", tt.err)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := retryConfig{baseDelay: 10 * time.Millisecond, maxDelay: 30 * time.Millisecond}
	d := backoffDelay(cfg, 5)
	assert.GreaterOrEqual(t, d, 30*time.Millisecond)
	assert.Less(t, d, 40*time.Millisecond)
}
