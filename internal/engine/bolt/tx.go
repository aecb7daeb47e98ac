// ABOUTME: Transaction implementation for the bbolt engine
// ABOUTME: Index buckets hold "value 0x00 key" -> key; old entries are removed on overwrite

package bolt

import (
	"bytes"
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/2389/coven-chatstore/internal/engine"
)

const indexSep = 0x00

func indexKey(value, key string) []byte {
	buf := make([]byte, 0, len(value)+1+len(key))
	buf = append(buf, value...)
	buf = append(buf, indexSep)
	return append(buf, key...)
}

func addIndexEntry(ib *bbolt.Bucket, idx engine.IndexSpec, key string, doc []byte) error {
	v, ok := engine.IndexValueOf(doc, idx.KeyPath)
	if !ok {
		return nil
	}
	if err := engine.ValidateIndexValue(idx.Name, v); err != nil {
		return err
	}
	if idx.Unique {
		prefix := append([]byte(v), indexSep)
		c := ib.Cursor()
		for k, owner := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, owner = c.Next() {
			// Values and keys never contain NUL, so every entry under prefix has value v.
			if string(owner) != key {
				return fmt.Errorf("%w: index %s value %q already used by %s", engine.ErrConstraint, idx.Name, v, owner)
			}
		}
	}
	return ib.Put(indexKey(v, key), []byte(key))
}

func removeIndexEntry(ib *bbolt.Bucket, idx engine.IndexSpec, key string, doc []byte) error {
	v, ok := engine.IndexValueOf(doc, idx.KeyPath)
	if !ok {
		return nil
	}
	return ib.Delete(indexKey(v, key))
}

type boltTx struct {
	tx       *bbolt.Tx
	writable bool
}

func (t *boltTx) checkWritable(op string) error {
	if !t.writable {
		return fmt.Errorf("%s: %w", op, engine.ErrReadOnly)
	}
	return nil
}

// buckets resolves the data bucket and its index buckets.
func (t *boltTx) buckets(collection string) (*engine.CollectionSpec, *bbolt.Bucket, []*bbolt.Bucket, error) {
	spec, err := loadSpec(t.tx, collection)
	if err != nil {
		return nil, nil, nil, err
	}
	data := t.tx.Bucket(dataBucket(collection))
	indexes := make([]*bbolt.Bucket, len(spec.Indexes))
	for i, idx := range spec.Indexes {
		ib := t.tx.Bucket(indexBucket(collection, idx.Name))
		if ib == nil {
			return nil, nil, nil, fmt.Errorf("%w: %s.%s", engine.ErrNoIndex, collection, idx.Name)
		}
		indexes[i] = ib
	}
	return spec, data, indexes, nil
}

func (t *boltTx) Clear(_ context.Context, collection string) error {
	if err := t.checkWritable("clear"); err != nil {
		return err
	}
	spec, _, _, err := t.buckets(collection)
	if err != nil {
		return err
	}

	names := [][]byte{dataBucket(collection)}
	for _, idx := range spec.Indexes {
		names = append(names, indexBucket(collection, idx.Name))
	}
	for _, name := range names {
		if err := t.tx.DeleteBucket(name); err != nil {
			return fmt.Errorf("clearing %s: %w", name, err)
		}
		if _, err := t.tx.CreateBucket(name); err != nil {
			return fmt.Errorf("recreating %s: %w", name, err)
		}
	}
	return nil
}

func (t *boltTx) Put(_ context.Context, collection string, value []byte) (string, error) {
	if err := t.checkWritable("put"); err != nil {
		return "", err
	}
	spec, data, indexes, err := t.buckets(collection)
	if err != nil {
		return "", err
	}

	key, err := engine.KeyOf(value, spec.KeyPath)
	if err != nil {
		return "", err
	}

	if old := data.Get([]byte(key)); old != nil {
		for i, idx := range spec.Indexes {
			if err := removeIndexEntry(indexes[i], idx, key, old); err != nil {
				return "", fmt.Errorf("put %s: removing index %s: %w", key, idx.Name, err)
			}
		}
	}

	for i, idx := range spec.Indexes {
		if err := addIndexEntry(indexes[i], idx, key, value); err != nil {
			return "", fmt.Errorf("put %s: %w", key, err)
		}
	}

	// bbolt requires the value to stay valid for the life of the transaction.
	stored := append([]byte(nil), value...)
	if err := data.Put([]byte(key), stored); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

func (t *boltTx) Get(_ context.Context, collection, key string) ([]byte, error) {
	_, data, _, err := t.buckets(collection)
	if err != nil {
		return nil, err
	}
	v := data.Get([]byte(key))
	if v == nil {
		return nil, engine.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *boltTx) GetAll(_ context.Context, collection string) ([][]byte, error) {
	_, data, _, err := t.buckets(collection)
	if err != nil {
		return nil, err
	}
	var values [][]byte
	err = data.ForEach(func(_, v []byte) error {
		values = append(values, append([]byte(nil), v...))
		return nil
	})
	return values, err
}

func (t *boltTx) Delete(_ context.Context, collection, key string) error {
	if err := t.checkWritable("delete"); err != nil {
		return err
	}
	spec, data, indexes, err := t.buckets(collection)
	if err != nil {
		return err
	}

	old := data.Get([]byte(key))
	if old == nil {
		return nil
	}
	for i, idx := range spec.Indexes {
		if err := removeIndexEntry(indexes[i], idx, key, old); err != nil {
			return fmt.Errorf("delete %s: removing index %s: %w", key, idx.Name, err)
		}
	}
	if err := data.Delete([]byte(key)); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (t *boltTx) Count(_ context.Context, collection string) (int, error) {
	_, data, _, err := t.buckets(collection)
	if err != nil {
		return 0, err
	}
	return data.Stats().KeyN, nil
}

func (t *boltTx) Keys(_ context.Context, collection string) ([]string, error) {
	_, data, _, err := t.buckets(collection)
	if err != nil {
		return nil, err
	}
	keys := []string{}
	err = data.ForEach(func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	return keys, err
}

func (t *boltTx) IndexEntries(_ context.Context, collection, index string) ([]engine.IndexEntry, error) {
	spec, _, indexes, err := t.buckets(collection)
	if err != nil {
		return nil, err
	}
	for i, idx := range spec.Indexes {
		if idx.Name != index {
			continue
		}
		entries := []engine.IndexEntry{}
		err := indexes[i].ForEach(func(k, owner []byte) error {
			cut := len(k) - len(owner) - 1
			if cut < 0 {
				return fmt.Errorf("corrupt index entry %q", k)
			}
			entries = append(entries, engine.IndexEntry{Value: string(k[:cut]), Key: string(owner)})
			return nil
		})
		return entries, err
	}
	return nil, fmt.Errorf("%w: %s.%s", engine.ErrNoIndex, collection, index)
}

func (t *boltTx) Commit() error {
	if !t.writable {
		return t.tx.Rollback()
	}
	return t.tx.Commit()
}

func (t *boltTx) Rollback() error {
	return t.tx.Rollback()
}
