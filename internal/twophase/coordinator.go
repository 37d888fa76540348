// Package twophase coordinates lifecycle work that must touch both the
// database and the cluster. Operations stage their row changes inside one
// shared transaction; infrastructure side effects run only after that
// transaction commits. There is no cross-system atomicity: once the commit
// lands, a failing side effect leaves committed metadata with lagging
// infrastructure, and callers see that as a CommittedError.
package twophase

import (
	"context"
	"fmt"
)

// Tx is the one relational transaction a coordinator owns.
type Tx interface {
	Commit() error
	Rollback() error
}

// Operation is a unit of lifecycle work. Stage mutates rows on the
// coordinator's transaction and may stage child operations; Apply performs
// the infrastructure effect and runs only after commit, in the order
// operations were staged.
type Operation interface {
	Stage(ctx context.Context, c *Coordinator) error
	Apply(ctx context.Context) error
}

// CommittedError marks a failure that happened after the transaction
// committed. The database changes stand; some infrastructure actions may
// not have completed.
type CommittedError struct {
	Err error
}

func (e *CommittedError) Error() string {
	return fmt.Sprintf("commit succeeded, infrastructure apply failed: %v", e.Err)
}

func (e *CommittedError) Unwrap() error { return e.Err }

// Coordinator holds the ordered operation list bound to one transaction.
// It is single-use and not safe for concurrent staging.
type Coordinator struct {
	tx  Tx
	ops []Operation
}

func New(tx Tx) *Coordinator {
	if tx == nil {
		return nil
	}
	return &Coordinator{tx: tx}
}

// Stage registers op and runs its staging phase. The append happens before
// the staging call, so children staged by op land after it and later see
// its committed state during apply.
func (c *Coordinator) Stage(ctx context.Context, op Operation) error {
	if op == nil {
		return fmt.Errorf("nil operation staged")
	}
	c.ops = append(c.ops, op)
	return op.Stage(ctx, c)
}

func (c *Coordinator) commitAndApply(ctx context.Context) error {
	if err := c.tx.Commit(); err != nil {
		_ = c.tx.Rollback()
		return fmt.Errorf("commit: %w", err)
	}
	for _, op := range c.ops {
		if err := op.Apply(ctx); err != nil {
			return &CommittedError{Err: err}
		}
	}
	return nil
}

// Run drives one coordinated unit of work over an already-open transaction:
// fn stages operations, then the coordinator commits and applies. Any
// staging error rolls the transaction back and no apply phase runs.
func Run(ctx context.Context, tx Tx, fn func(c *Coordinator) error) error {
	c := New(tx)
	if c == nil {
		return fmt.Errorf("nil transaction")
	}
	if err := fn(c); err != nil {
		_ = tx.Rollback()
		return err
	}
	return c.commitAndApply(ctx)
}
