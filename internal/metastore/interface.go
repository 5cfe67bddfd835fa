package metastore

import "context"

// PageRange диапазон страниц материала
type PageRange struct {
	Lower int32 `msgpack:"lower"`
	Upper int32 `msgpack:"upper"`
}

// Document запись о материале в хранилище метаданных
type Document struct {
	Hash       string     `msgpack:"hash"`      // BLAKE3 хеш содержимого, он же ключ
	Reference  string     `msgpack:"reference"` // Человекочитаемое название
	URL        *string    `msgpack:"url,omitempty"`
	Mimetype   string     `msgpack:"mimetype"`
	PageFilter *PageRange `msgpack:"page_filter,omitempty"`
	LocalPath  string     `msgpack:"local_path"` // Где лежат байты
	LoadedAt   int64      `msgpack:"loaded_at"`  // Unix-время регистрации
}

// MetaStore интерфейс для хранения метаданных.
// Каждая операция атомарна по одному ключу, многоключевых транзакций нет.
type MetaStore interface {
	// Find возвращает документ по хешу; false, если его нет
	Find(ctx context.Context, hash string) (*Document, bool, error)

	// Upsert создает или заменяет документ
	Upsert(ctx context.Context, hash string, doc Document) error

	// Delete удаляет документ; отсутствие ключа ошибкой не является
	Delete(ctx context.Context, hash string) error

	// ListKeys возвращает все известные хеши
	ListKeys(ctx context.Context) ([]string, error)

	// ListKeysMatching возвращает хеши, начинающиеся с prefix
	ListKeysMatching(ctx context.Context, prefix string) ([]string, error)

	// Close закрывает хранилище
	Close() error
}
