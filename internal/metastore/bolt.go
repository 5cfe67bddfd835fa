// internal/metastore/bolt.go
package metastore

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
	bolt "go.etcd.io/bbolt"
)

var materialsBucket = []byte("materials")

// BoltStore реализация MetaStore на основе BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore создает новое хранилище метаданных на основе BoltDB
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt %s", path)
	}

	// Создаем необходимые бакеты
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(materialsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}

	return &BoltStore{db: db}, nil
}

// Find возвращает документ по хешу
func (bs *BoltStore) Find(ctx context.Context, hash string) (*Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var doc *Document
	err := bs.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(materialsBucket).Get([]byte(hash))
		if data == nil {
			return nil // Документ не найден
		}
		doc = &Document{}
		return msgpack.Unmarshal(data, doc)
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "find %s", hash)
	}

	return doc, doc != nil, nil
}

// Upsert создает или заменяет документ
func (bs *BoltStore) Upsert(ctx context.Context, hash string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	encoded, err := msgpack.Marshal(&doc)
	if err != nil {
		return errors.Wrapf(err, "encode %s", hash)
	}

	err = bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(materialsBucket).Put([]byte(hash), encoded)
	})
	return errors.Wrapf(err, "upsert %s", hash)
}

// Delete удаляет документ
func (bs *BoltStore) Delete(ctx context.Context, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(materialsBucket).Delete([]byte(hash))
	})
	return errors.Wrapf(err, "delete %s", hash)
}

// ListKeys возвращает все хеши
func (bs *BoltStore) ListKeys(ctx context.Context) ([]string, error) {
	return bs.ListKeysMatching(ctx, "")
}

// ListKeysMatching возвращает хеши с заданным префиксом.
// Ключи в бакете отсортированы, поэтому достаточно Seek и обхода до первого несовпадения.
func (bs *BoltStore) ListKeysMatching(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keys := []string{}
	p := []byte(prefix)
	err := bs.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(materialsBucket).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list keys")
	}

	return keys, nil
}

// Close закрывает хранилище
func (bs *BoltStore) Close() error {
	return bs.db.Close()
}
