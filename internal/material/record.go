package material

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/Gammanik/material-store/internal/metastore"
	"github.com/Gammanik/material-store/internal/mimetype"
	"github.com/Gammanik/material-store/internal/utils"
)

// PageFilter ограничивает диапазон страниц материала (границы включительно)
type PageFilter struct {
	LowerBound int32 `msgpack:"lower_bound" json:"lower_bound"`
	UpperBound int32 `msgpack:"upper_bound" json:"upper_bound"`
}

// Metadata переносимое описание материала, без локального пути.
// Именно оно пересекает границу хранилища.
type Metadata struct {
	Reference  string      `msgpack:"reference" json:"reference"`
	URL        *string     `msgpack:"url,omitempty" json:"url,omitempty"`
	Hash       string      `msgpack:"hash" json:"hash"`
	Mimetype   string      `msgpack:"mimetype" json:"mimetype"`
	PageFilter *PageFilter `msgpack:"page_filter,omitempty" json:"page_filter,omitempty"`
}

// Clone возвращает глубокую копию метаданных
func (m Metadata) Clone() Metadata {
	out := m
	if m.URL != nil {
		u := *m.URL
		out.URL = &u
	}
	if m.PageFilter != nil {
		pf := *m.PageFilter
		out.PageFilter = &pf
	}
	return out
}

// SameDeclaration сравнивает объявленные поля двух описаний одного и того же
// содержимого. Хеш не сравнивается, MIME-типы сравниваются с учетом синонимов.
func (m Metadata) SameDeclaration(other Metadata) bool {
	if m.Reference != other.Reference {
		return false
	}
	if (m.URL == nil) != (other.URL == nil) {
		return false
	}
	if m.URL != nil && *m.URL != *other.URL {
		return false
	}
	if (m.PageFilter == nil) != (other.PageFilter == nil) {
		return false
	}
	if m.PageFilter != nil && *m.PageFilter != *other.PageFilter {
		return false
	}
	return m.Mimetype == other.Mimetype || mimetype.Equivalent(m.Mimetype, other.Mimetype)
}

// Record материал внутри хранилища: метаданные плюс путь к байтам.
// Hash всегда совпадает с хешем содержимого LocalPath у записей,
// сохраненных в хранилище.
type Record struct {
	Metadata
	LocalPath string
}

// NewRecord создает запись для файла localPath и проверяет объявленный MIME-тип.
// Хеш записи вычисляется из содержимого файла, объявленный meta.Hash не используется.
func NewRecord(localPath string, meta Metadata) (*Record, error) {
	r, err := newUnhashedRecord(localPath, meta)
	if err != nil {
		return nil, err
	}
	digest, err := hashFile(localPath)
	if err != nil {
		return nil, err
	}
	r.Hash = digest
	return r, nil
}

func newUnhashedRecord(localPath string, meta Metadata) (*Record, error) {
	r := &Record{Metadata: meta.Clone(), LocalPath: localPath}
	if err := r.evaluateMimetype(); err != nil {
		return nil, err
	}
	return r, nil
}

// evaluateMimetype строгая проверка при приеме: тип по расширению обязан
// определиться, а явно объявленный тип обязан ему соответствовать
func (r *Record) evaluateMimetype() error {
	guess, ok := mimetype.ResolvePath(r.LocalPath)
	if !ok {
		return errors.Wrapf(ErrMimetypeNotDetected, "path %s", r.LocalPath)
	}
	if r.Mimetype != "" && !mimetype.Equivalent(r.Mimetype, guess) {
		return errors.Wrapf(ErrMimetypeMismatch, "declared %q, file %s is %q", r.Mimetype, r.LocalPath, guess)
	}
	r.Mimetype = guess
	return nil
}

// updateMimetype нестрогое исправление после изменения содержимого
func (r *Record) updateMimetype() {
	if guess, ok := mimetype.ResolvePath(r.LocalPath); ok {
		r.Mimetype = guess
	}
}

// DeriveHash пересчитывает хеш по текущему содержимому LocalPath.
// Если хеш изменился, обновляет Hash и Mimetype и, при rename, пытается
// переименовать файл в <hash><ext>. Неудачное переименование ошибкой не считается:
// LocalPath остается прежним и по-прежнему верным.
func (r *Record) DeriveHash(rename bool) (bool, error) {
	digest, err := hashFile(r.LocalPath)
	if err != nil {
		return false, err
	}
	if digest == r.Hash {
		return false, nil
	}
	r.Hash = digest
	r.updateMimetype()
	if rename {
		_ = r.RenameToHash()
	}
	return true, nil
}

// RenameToHash переименовывает файл в <dir>/<hash><ext> и обновляет LocalPath
func (r *Record) RenameToHash() error {
	target := r.HashedPath()
	if target == r.LocalPath {
		return nil
	}
	if err := os.Rename(r.LocalPath, target); err != nil {
		return storageErr("rename", r.LocalPath, err)
	}
	r.LocalPath = target
	return nil
}

// HashedPath путь, который файл имел бы по соглашению "имя файла = хеш"
func (r *Record) HashedPath() string {
	return filepath.Join(filepath.Dir(r.LocalPath), r.Hash+filepath.Ext(r.LocalPath))
}

// VerifyHash проверяет, что содержимое LocalPath имеет хеш expected.
// Пустой expected означает собственный Hash записи.
func (r *Record) VerifyHash(expected string) (bool, error) {
	if expected == "" {
		expected = r.Hash
	}
	digest, err := hashFile(r.LocalPath)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(digest, expected), nil
}

// ToPortable возвращает метаданные без локального пути
func (r *Record) ToPortable() Metadata {
	return r.Metadata.Clone()
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", storageErr("open", path, err)
	}
	defer f.Close()

	digest, _, err := utils.CalculateReaderHash(f)
	if err != nil {
		return "", storageErr("read", path, err)
	}
	return digest, nil
}

func toDocument(r *Record, loadedAt int64) metastore.Document {
	m := r.Metadata.Clone()
	doc := metastore.Document{
		Hash:      r.Hash,
		Reference: m.Reference,
		URL:       m.URL,
		Mimetype:  m.Mimetype,
		LocalPath: r.LocalPath,
		LoadedAt:  loadedAt,
	}
	if m.PageFilter != nil {
		doc.PageFilter = &metastore.PageRange{Lower: m.PageFilter.LowerBound, Upper: m.PageFilter.UpperBound}
	}
	return doc
}

func recordFromDocument(doc *metastore.Document) *Record {
	r := &Record{
		Metadata: Metadata{
			Reference: doc.Reference,
			URL:       doc.URL,
			Hash:      doc.Hash,
			Mimetype:  doc.Mimetype,
		},
		LocalPath: doc.LocalPath,
	}
	if doc.PageFilter != nil {
		r.PageFilter = &PageFilter{LowerBound: doc.PageFilter.Lower, UpperBound: doc.PageFilter.Upper}
	}
	return r
}
