package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
)

// savepoint names come from internal callers, but guard them anyway since
// SAVEPOINT statements cannot take placeholders.
var savepointNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// UnitOfWork scopes repository writes to one transaction. Repositories
// obtained from it see uncommitted state; nothing is visible to readers
// until Commit.
type UnitOfWork struct {
	Repos
	tx   *sql.Tx
	done bool
}

// Begin opens a transaction-scoped unit of work. Callers must finish it
// with Commit or Rollback; WithUnit does this bookkeeping automatically.
func (s *Store) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{Repos: Repos{q: tx}, tx: tx}, nil
}

// WithUnit runs fn inside a unit of work and commits on a nil return.
// Every other exit path, including panics, rolls back.
func (s *Store) WithUnit(ctx context.Context, fn func(*UnitOfWork) error) error {
	u, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer u.Rollback()

	if err := fn(u); err != nil {
		return err
	}
	return u.Commit()
}

// Commit makes the unit's writes visible.
func (u *UnitOfWork) Commit() error {
	if u.done {
		return errors.New("store: unit of work already finished")
	}
	u.done = true
	return u.tx.Commit()
}

// Rollback discards the unit's writes. Calling it after Commit is a no-op
// so it can sit in a defer.
func (u *UnitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Rollback()
}

// Save creates a named savepoint inside the transaction.
func (u *UnitOfWork) Save(ctx context.Context, name string) error {
	if !savepointNameRE.MatchString(name) {
		return fmt.Errorf("store: invalid savepoint name %q", name)
	}
	_, err := u.tx.ExecContext(ctx, "SAVEPOINT "+name)
	return err
}

// Release pops a savepoint, keeping its writes.
func (u *UnitOfWork) Release(ctx context.Context, name string) error {
	if !savepointNameRE.MatchString(name) {
		return fmt.Errorf("store: invalid savepoint name %q", name)
	}
	_, err := u.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

// RollbackTo undoes writes made since the savepoint. SQLite keeps the
// savepoint on the stack afterward; pair with Release to pop it.
func (u *UnitOfWork) RollbackTo(ctx context.Context, name string) error {
	if !savepointNameRE.MatchString(name) {
		return fmt.Errorf("store: invalid savepoint name %q", name)
	}
	_, err := u.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}
