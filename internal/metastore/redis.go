package metastore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack"
)

// RedisConfig параметры подключения к Redis
type RedisConfig struct {
	Addr     string
	DB       int
	Password string
	Prefix   string // Префикс ключей, например "material:"
}

// RedisStore реализация MetaStore на основе Redis.
// Подходит, когда несколько серверов делят одно хранилище метаданных.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	log    logrus.FieldLogger
}

// NewRedisStore подключается к Redis и проверяет соединение
func NewRedisStore(ctx context.Context, cfg RedisConfig, log logrus.FieldLogger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "ping redis %s", cfg.Addr)
	}
	return &RedisStore{rdb: rdb, prefix: cfg.Prefix, log: log}, nil
}

func (rs *RedisStore) key(hash string) string {
	return rs.prefix + hash
}

// Find возвращает документ по хешу
func (rs *RedisStore) Find(ctx context.Context, hash string) (*Document, bool, error) {
	b, err := rs.rdb.Get(ctx, rs.key(hash)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "find %s", hash)
	}

	var doc Document
	if err := msgpack.Unmarshal(b, &doc); err != nil {
		return nil, false, errors.Wrapf(err, "decode %s", hash)
	}
	return &doc, true, nil
}

// Upsert создает или заменяет документ
func (rs *RedisStore) Upsert(ctx context.Context, hash string, doc Document) error {
	encoded, err := msgpack.Marshal(&doc)
	if err != nil {
		return errors.Wrapf(err, "encode %s", hash)
	}
	if err := rs.rdb.Set(ctx, rs.key(hash), encoded, 0).Err(); err != nil {
		return errors.Wrapf(err, "upsert %s", hash)
	}
	rs.log.WithField("hash", hash).Debug("SET ok")
	return nil
}

// Delete удаляет документ
func (rs *RedisStore) Delete(ctx context.Context, hash string) error {
	n, err := rs.rdb.Del(ctx, rs.key(hash)).Result()
	if err != nil {
		return errors.Wrapf(err, "delete %s", hash)
	}
	rs.log.WithFields(logrus.Fields{"hash": hash, "deleted": n}).Debug("DEL ok")
	return nil
}

// ListKeys возвращает все хеши
func (rs *RedisStore) ListKeys(ctx context.Context) ([]string, error) {
	return rs.ListKeysMatching(ctx, "")
}

// ListKeysMatching обходит ключи через SCAN, KEYS на большой базе блокирует сервер
func (rs *RedisStore) ListKeysMatching(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(rs.prefix+prefix) + "*"
	var scanned []string
	iter := rs.rdb.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		scanned = append(scanned, strings.TrimPrefix(iter.Val(), rs.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scan keys")
	}
	return uniqueKeys(scanned), nil
}

// uniqueKeys убирает повторы: SCAN может вернуть ключ больше одного раза
func uniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Close закрывает соединение
func (rs *RedisStore) Close() error {
	return rs.rdb.Close()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
