// ABOUTME: Transaction implementation for the SQLite engine
// ABOUTME: Index columns are recomputed from the document on every Put

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-chatstore/internal/engine"
)

type sqlTx struct {
	tx       *sql.Tx
	writable bool
	specs    map[string]*engine.CollectionSpec
}

func (t *sqlTx) spec(ctx context.Context, collection string) (*engine.CollectionSpec, error) {
	if s, ok := t.specs[collection]; ok {
		return s, nil
	}
	s, err := loadSpec(ctx, t.tx, collection)
	if err != nil {
		return nil, err
	}
	t.specs[collection] = s
	return s, nil
}

func (t *sqlTx) checkWritable(op string) error {
	if !t.writable {
		return fmt.Errorf("%s: %w", op, engine.ErrReadOnly)
	}
	return nil
}

func (t *sqlTx) Clear(ctx context.Context, collection string) error {
	if err := t.checkWritable("clear"); err != nil {
		return err
	}
	if _, err := t.spec(ctx, collection); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, quote(tableName(collection)))); err != nil {
		return fmt.Errorf("clearing %s: %w", collection, err)
	}
	return nil
}

func (t *sqlTx) Put(ctx context.Context, collection string, value []byte) (string, error) {
	if err := t.checkWritable("put"); err != nil {
		return "", err
	}
	spec, err := t.spec(ctx, collection)
	if err != nil {
		return "", err
	}

	key, err := engine.KeyOf(value, spec.KeyPath)
	if err != nil {
		return "", err
	}

	columns := []string{"key", "value"}
	args := []any{key, value}
	for _, idx := range spec.Indexes {
		v, ok := engine.IndexValueOf(value, idx.KeyPath)
		if ok {
			if err := engine.ValidateIndexValue(idx.Name, v); err != nil {
				return "", err
			}
		}
		columns = append(columns, columnName(idx.Name))
		args = append(args, sql.NullString{String: v, Valid: ok})
	}

	quoted := make([]string, len(columns))
	updates := make([]string, 0, len(columns)-1)
	for i, c := range columns {
		quoted[i] = quote(c)
		if i > 0 {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", quote(c), quote(c)))
		}
	}

	// Upsert on the primary key only, so a unique index conflict fails instead of
	// silently replacing the other row.
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(key) DO UPDATE SET %s`,
		quote(tableName(collection)),
		strings.Join(quoted, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "),
		strings.Join(updates, ", "),
	)

	if _, err := t.tx.ExecContext(ctx, stmt, args...); err != nil {
		if isConstraintViolation(err) {
			return "", fmt.Errorf("%w: put %s: %w", engine.ErrConstraint, key, err)
		}
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

func (t *sqlTx) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if _, err := t.spec(ctx, collection); err != nil {
		return nil, err
	}

	var value []byte
	err := t.tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, quote(tableName(collection))), key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (t *sqlTx) GetAll(ctx context.Context, collection string) ([][]byte, error) {
	if _, err := t.spec(ctx, collection); err != nil {
		return nil, err
	}

	rows, err := t.tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT value FROM %s ORDER BY key`, quote(tableName(collection))))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", collection, err)
	}
	defer rows.Close()

	var values [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning value: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func (t *sqlTx) Delete(ctx context.Context, collection, key string) error {
	if err := t.checkWritable("delete"); err != nil {
		return err
	}
	if _, err := t.spec(ctx, collection); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, quote(tableName(collection))), key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (t *sqlTx) Count(ctx context.Context, collection string) (int, error) {
	if _, err := t.spec(ctx, collection); err != nil {
		return 0, err
	}
	var n int
	err := t.tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quote(tableName(collection)))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", collection, err)
	}
	return n, nil
}

func (t *sqlTx) Keys(ctx context.Context, collection string) ([]string, error) {
	if _, err := t.spec(ctx, collection); err != nil {
		return nil, err
	}

	rows, err := t.tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT key FROM %s ORDER BY key`, quote(tableName(collection))))
	if err != nil {
		return nil, fmt.Errorf("listing keys of %s: %w", collection, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (t *sqlTx) IndexEntries(ctx context.Context, collection, index string) ([]engine.IndexEntry, error) {
	spec, err := t.spec(ctx, collection)
	if err != nil {
		return nil, err
	}

	found := false
	for _, idx := range spec.Indexes {
		if idx.Name == index {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s.%s", engine.ErrNoIndex, collection, index)
	}

	column := quote(columnName(index))
	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s, key FROM %s WHERE %s IS NOT NULL ORDER BY %s, key`,
		column, quote(tableName(collection)), column, column))
	if err != nil {
		return nil, fmt.Errorf("reading index %s: %w", index, err)
	}
	defer rows.Close()

	entries := []engine.IndexEntry{}
	for rows.Next() {
		var e engine.IndexEntry
		if err := rows.Scan(&e.Value, &e.Key); err != nil {
			return nil, fmt.Errorf("scanning index entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *sqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	return t.tx.Rollback()
}
