package mailbox

import (
	"context"
	"log/slog"

	"github.com/roach88/modeltable/internal/engine"
	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/table"
)

// Attach makes the engine consume the mailbox whenever a command lands in
// the slot.
func Attach(e *engine.Engine) {
	e.HandleIntercept(ir.InterceptMailbox, func(ctx context.Context, e *engine.Engine, in ir.Intercept) {
		var out Outcome
		e.Update(func(t *table.Table) { out = ConsumeOnce(t) })
		logOutcome(e.Logger(), out)
	})
}

// Submit sends a command through the engine and ticks. It returns ErrBusy
// while the previous command is unconsumed.
func Submit(e *engine.Engine, env ir.Envelope) (*engine.Drain, error) {
	var err error
	e.Update(func(t *table.Table) { err = Send(t, env) })
	if err != nil {
		return nil, err
	}
	return e.Tick(), nil
}

func logOutcome(logger *slog.Logger, out Outcome) {
	if !out.Consumed {
		return
	}
	if out.Err != nil {
		logger.Info("command rejected",
			"op_id", out.OpID,
			"code", out.Err.Code,
			"detail", out.Err.Detail,
		)
		return
	}
	logger.Debug("command applied", "op_id", out.OpID, "action", out.Action.ActionName())
}
