package control

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/worker"
)

// within runs a procedure inside the configured optics excursion, if any.
// The excursion is undone before the procedure's outcome is returned.
func (c *Controller) within(ctx context.Context, name string, run func(context.Context) (Outcome, error)) (Outcome, error) {
	if c.cfg.Optics.Empty() {
		return run(ctx)
	}
	var (
		out Outcome
		ran bool
	)
	err := c.cfg.Optics.Run(ctx, c.hw, func(ctx context.Context) error {
		ran = true
		var err error
		out, err = run(ctx)
		return err
	})
	if err == nil {
		return out, nil
	}
	if ran && out == Fault {
		// already reported by the procedure
		return Fault, err
	}
	r := Report{Procedure: name}
	if ran {
		r = c.Last()
	} else if worker.IsStop(err) {
		r.Outcome = Stopped
		c.report(r, nil)
		return Stopped, nil
	}
	r.Outcome = Fault
	err = errors.Wrapf(err, "%s %s optics", c.cfg.Name, name)
	c.report(r, err)
	return Fault, err
}
