package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- Mock Rows ---

type mockRows struct {
	data    [][]any
	fields  []string
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	if len(dest) == 1 {
		if rs, ok := dest[0].(pgx.RowScanner); ok {
			return rs.ScanRow(r)
		}
	}
	row := r.data[r.idx]
	for i, d := range dest {
		if err := assignValue(d, row[i]); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
	}
	return nil
}

func (r *mockRows) Close()                       { r.closed = true }
func (r *mockRows) Err() error                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *mockRows) RawValues() [][]byte          { return nil }
func (r *mockRows) Conn() *pgx.Conn              { return nil }

func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.fields))
	for i, name := range r.fields {
		fds[i] = pgconn.FieldDescription{Name: name}
	}
	return fds
}

func (r *mockRows) Values() ([]any, error) {
	if r.errVal != nil {
		return nil, r.errVal
	}
	return r.data[r.idx], nil
}

func assignValue(dest, v any) error {
	switch d := dest.(type) {
	case *string:
		*d = v.(string)
	case *int:
		*d = v.(int)
	case *int16:
		*d = v.(int16)
	case *int64:
		*d = v.(int64)
	case *[]byte:
		switch b := v.(type) {
		case []byte:
			*d = b
		case string:
			*d = []byte(b)
		case json.RawMessage:
			*d = b
		}
	case *time.Time:
		*d = v.(time.Time)
	case **time.Time:
		if v == nil {
			*d = nil
		} else {
			t := v.(time.Time)
			*d = &t
		}
	case **string:
		if v == nil {
			*d = nil
		} else {
			s := v.(string)
			*d = &s
		}
	default:
		return fmt.Errorf("unsupported scan destination %T", dest)
	}
	return nil
}

// scanInto builds a mockRow that scans values positionally.
func scanInto(values ...any) *mockRow {
	return &mockRow{scanFn: func(dest ...any) error {
		for i, d := range dest {
			if err := assignValue(d, values[i]); err != nil {
				return err
			}
		}
		return nil
	}}
}

// --- Mock Tx ---

// mockTx routes statements to an embedded mockDBTX and records the
// transaction outcome. Methods not overridden panic through the nil pgx.Tx.
type mockTx struct {
	pgx.Tx
	db         *mockDBTX
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *mockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, arguments...)
}

func (t *mockTx) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, arguments...)
}

func (t *mockTx) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, arguments...)
}

func (t *mockTx) Commit(ctx context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *mockTx) Rollback(ctx context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

// mockPool satisfies Pool. Begin hands out tx.
type mockPool struct {
	mockDBTX
	tx       *mockTx
	beginErr error
}

func (p *mockPool) Begin(ctx context.Context) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return p.tx, nil
}
