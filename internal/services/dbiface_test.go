package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Test doubles for the DB interfaces. Unset funcs fall back to empty
// results for Exec and Query and to an error for QueryRow, so a test only
// wires the statements it expects.

type fakeCommandTag struct {
	rowsAffected int64
}

func (f fakeCommandTag) RowsAffected() int64 { return f.rowsAffected }

type fakeRow struct {
	scanFunc func(dest ...any) error
}

func (f fakeRow) Scan(dest ...any) error {
	if f.scanFunc == nil {
		return errors.New("unexpected QueryRow")
	}
	return f.scanFunc(dest...)
}

// rowFromValues scans values into dest positionally.
func rowFromValues(values ...any) Row {
	return fakeRow{scanFunc: func(dest ...any) error { return assignRow(dest, values) }}
}

type fakeRows struct {
	rows   [][]any
	idx    int
	err    error
	closed bool
}

func (f *fakeRows) Close()     { f.closed = true }
func (f *fakeRows) Err() error { return f.err }

func (f *fakeRows) Next() bool {
	if f.closed || f.idx >= len(f.rows) {
		return false
	}
	f.idx++
	return true
}

func (f *fakeRows) Scan(dest ...any) error {
	if f.idx == 0 {
		return errors.New("Scan before Next")
	}
	return assignRow(dest, f.rows[f.idx-1])
}

type execFunc func(ctx context.Context, sql string, args ...any) (CommandTag, error)
type queryFunc func(ctx context.Context, sql string, args ...any) (Rows, error)
type queryRowFunc func(ctx context.Context, sql string, args ...any) Row

func (fn execFunc) call(ctx context.Context, sql string, args []any) (CommandTag, error) {
	if fn == nil {
		return fakeCommandTag{}, nil
	}
	return fn(ctx, sql, args...)
}

func (fn queryFunc) call(ctx context.Context, sql string, args []any) (Rows, error) {
	if fn == nil {
		return &fakeRows{}, nil
	}
	return fn(ctx, sql, args...)
}

func (fn queryRowFunc) call(ctx context.Context, sql string, args []any) Row {
	if fn == nil {
		return fakeRow{}
	}
	return fn(ctx, sql, args...)
}

type fakeDB struct {
	ExecFunc     execFunc
	QueryFunc    queryFunc
	QueryRowFunc queryRowFunc
	BeginFunc    func(ctx context.Context) (Tx, error)
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (CommandTag, error) {
	return f.ExecFunc.call(ctx, sql, args)
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return f.QueryFunc.call(ctx, sql, args)
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return f.QueryRowFunc.call(ctx, sql, args)
}

func (f *fakeDB) Begin(ctx context.Context) (Tx, error) {
	if f.BeginFunc == nil {
		return nil, errors.New("unexpected Begin")
	}
	return f.BeginFunc(ctx)
}

type fakeTx struct {
	ExecFunc     execFunc
	QueryFunc    queryFunc
	QueryRowFunc queryRowFunc
	CommitFunc   func(ctx context.Context) error
	RollbackFunc func(ctx context.Context) error
}

func (f *fakeTx) Exec(ctx context.Context, sql string, args ...any) (CommandTag, error) {
	return f.ExecFunc.call(ctx, sql, args)
}

func (f *fakeTx) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return f.QueryFunc.call(ctx, sql, args)
}

func (f *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return f.QueryRowFunc.call(ctx, sql, args)
}

func (f *fakeTx) Commit(ctx context.Context) error {
	if f.CommitFunc == nil {
		return nil
	}
	return f.CommitFunc(ctx)
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	if f.RollbackFunc == nil {
		return nil
	}
	return f.RollbackFunc(ctx)
}

// assignRow copies values into scan destinations, converting where Go allows
// it. nil zeroes the destination.
func assignRow(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, value := range values {
		target := reflect.ValueOf(dest[i])
		if target.Kind() != reflect.Pointer || target.IsNil() {
			return fmt.Errorf("scan: destination %d is not a pointer", i)
		}
		elem := target.Elem()
		if value == nil {
			elem.SetZero()
			continue
		}
		src := reflect.ValueOf(value)
		switch {
		case src.Type().AssignableTo(elem.Type()):
			elem.Set(src)
		case src.Type().ConvertibleTo(elem.Type()):
			elem.Set(src.Convert(elem.Type()))
		default:
			return fmt.Errorf("scan: cannot put %T into %s", value, elem.Type())
		}
	}
	return nil
}
