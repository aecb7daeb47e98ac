// ABOUTME: Schema catalog and version-change operations for the SQLite engine
// ABOUTME: Collections map to c_<name> tables; secondary indexes to ix_<name> columns

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/2389/coven-chatstore/internal/engine"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func tableName(collection string) string {
	return "c_" + collection
}

func columnName(index string) string {
	return "ix_" + index
}

func sqlIndexName(collection, index string) string {
	return "ix_" + collection + "_" + index
}

// quote wraps an already-validated identifier.
func quote(ident string) string {
	return `"` + ident + `"`
}

func createCatalog(ctx context.Context, q querier) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS _collections (
			name     TEXT PRIMARY KEY,
			key_path TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS _indexes (
			collection TEXT NOT NULL,
			name       TEXT NOT NULL,
			key_path   TEXT NOT NULL,
			is_unique  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (collection, name)
		)`,
	}
	for i, stmt := range statements {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("catalog statement %d: %w", i+1, err)
		}
	}
	return nil
}

func tableExists(ctx context.Context, q querier, name string) (bool, error) {
	return schemaObjectExists(ctx, q, "table", name)
}

func schemaObjectExists(ctx context.Context, q querier, kind, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?`, kind, name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking %s %s: %w", kind, name, err)
	}
	return n > 0, nil
}

func columnExists(ctx context.Context, q querier, table, column string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}

// loadSpec reads a collection's key path and indexes from the catalog.
func loadSpec(ctx context.Context, q querier, collection string) (*engine.CollectionSpec, error) {
	exists, err := tableExists(ctx, q, tableName(collection))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", engine.ErrNoCollection, collection)
	}

	spec := &engine.CollectionSpec{Name: collection}
	err = q.QueryRowContext(ctx,
		`SELECT key_path FROM _collections WHERE name = ?`, collection,
	).Scan(&spec.KeyPath)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s missing from catalog", engine.ErrNoCollection, collection)
	}
	if err != nil {
		return nil, fmt.Errorf("reading catalog for %s: %w", collection, err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT name, key_path, is_unique FROM _indexes WHERE collection = ? ORDER BY name`, collection)
	if err != nil {
		return nil, fmt.Errorf("reading indexes for %s: %w", collection, err)
	}
	defer rows.Close()

	for rows.Next() {
		var idx engine.IndexSpec
		if err := rows.Scan(&idx.Name, &idx.KeyPath, &idx.Unique); err != nil {
			return nil, fmt.Errorf("scanning index row: %w", err)
		}
		spec.Indexes = append(spec.Indexes, idx)
	}
	return spec, rows.Err()
}

// upgradeTx implements engine.UpgradeTx inside the version-change transaction.
type upgradeTx struct {
	tx *sql.Tx
}

func (u *upgradeTx) HasCollection(ctx context.Context, name string) (bool, error) {
	return tableExists(ctx, u.tx, tableName(name))
}

func (u *upgradeTx) CreateCollection(ctx context.Context, name, keyPath string) error {
	if err := engine.ValidateName(name); err != nil {
		return err
	}

	exists, err := tableExists(ctx, u.tx, tableName(name))
	if err != nil {
		return err
	}

	if !exists {
		create := fmt.Sprintf(`CREATE TABLE %s (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		) WITHOUT ROWID`, quote(tableName(name)))
		if _, err := u.tx.ExecContext(ctx, create); err != nil {
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
		// Stale index rows from a torn initialization describe columns that no longer exist.
		if _, err := u.tx.ExecContext(ctx, `DELETE FROM _indexes WHERE collection = ?`, name); err != nil {
			return fmt.Errorf("resetting indexes for %s: %w", name, err)
		}
	}

	_, err = u.tx.ExecContext(ctx,
		`INSERT INTO _collections (name, key_path) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET key_path = excluded.key_path`, name, keyPath)
	if err != nil {
		return fmt.Errorf("recording collection %s: %w", name, err)
	}
	return nil
}

func (u *upgradeTx) HasIndex(ctx context.Context, collection, index string) (bool, error) {
	var n int
	err := u.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _indexes WHERE collection = ? AND name = ?`, collection, index,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking index %s.%s: %w", collection, index, err)
	}
	if n == 0 {
		return false, nil
	}
	return schemaObjectExists(ctx, u.tx, "index", sqlIndexName(collection, index))
}

func (u *upgradeTx) CreateIndex(ctx context.Context, collection string, idx engine.IndexSpec) error {
	if err := engine.ValidateName(idx.Name); err != nil {
		return err
	}

	table := tableName(collection)
	exists, err := tableExists(ctx, u.tx, table)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", engine.ErrNoCollection, collection)
	}

	column := columnName(idx.Name)
	hasColumn, err := columnExists(ctx, u.tx, table, column)
	if err != nil {
		return err
	}
	if !hasColumn {
		alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`, quote(table), quote(column))
		if _, err := u.tx.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("adding column %s: %w", column, err)
		}
	}

	if err := u.backfill(ctx, table, column, idx.KeyPath); err != nil {
		return err
	}

	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	create := fmt.Sprintf(`CREATE %sINDEX IF NOT EXISTS %s ON %s(%s)`,
		unique, quote(sqlIndexName(collection, idx.Name)), quote(table), quote(column))
	if _, err := u.tx.ExecContext(ctx, create); err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: creating index %s: %w", engine.ErrConstraint, idx.Name, err)
		}
		return fmt.Errorf("creating index %s: %w", idx.Name, err)
	}

	_, err = u.tx.ExecContext(ctx,
		`INSERT INTO _indexes (collection, name, key_path, is_unique) VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, name) DO UPDATE SET key_path = excluded.key_path, is_unique = excluded.is_unique`,
		collection, idx.Name, idx.KeyPath, idx.Unique)
	if err != nil {
		return fmt.Errorf("recording index %s: %w", idx.Name, err)
	}
	return nil
}

// backfill derives the index column for documents already in the table.
func (u *upgradeTx) backfill(ctx context.Context, table, column, keyPath string) error {
	rows, err := u.tx.QueryContext(ctx, fmt.Sprintf(`SELECT key, value FROM %s`, quote(table)))
	if err != nil {
		return fmt.Errorf("scanning %s for backfill: %w", table, err)
	}

	type pending struct {
		key   string
		value sql.NullString
	}
	var updates []pending
	for rows.Next() {
		var key string
		var doc []byte
		if err := rows.Scan(&key, &doc); err != nil {
			rows.Close()
			return fmt.Errorf("scanning row: %w", err)
		}
		v, ok := engine.IndexValueOf(doc, keyPath)
		if ok {
			if err := engine.ValidateIndexValue(column, v); err != nil {
				rows.Close()
				return err
			}
		}
		updates = append(updates, pending{key: key, value: sql.NullString{String: v, Valid: ok}})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	stmt := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE key = ?`, quote(table), quote(column))
	for _, p := range updates {
		if _, err := u.tx.ExecContext(ctx, stmt, p.value, p.key); err != nil {
			return fmt.Errorf("backfilling %s for %s: %w", column, p.key, err)
		}
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite constraint failure.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}
