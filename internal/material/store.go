// Package material контентно-адресуемое хранилище учебных материалов.
//
// Ключ записи BLAKE3 хеш байтов файла. Метаданные живут во внешнем
// MetaStore, байты на локальном диске под корнем хранилища.
package material

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Gammanik/material-store/internal/metastore"
	"github.com/Gammanik/material-store/internal/mimetype"
	"github.com/Gammanik/material-store/internal/utils"
)

// Состояния приема потока, пишутся в лог
const (
	stateReceiving = "receiving"
	stateVerifying = "verifying"
	stateCommitted = "committed"
	stateAborted   = "aborted"
)

// Options настройки хранилища
type Options struct {
	// RenameToHash после регистрации переименовывать файл в <hash><ext>
	RenameToHash bool
	// ChunkSize размер чанка выдачи по умолчанию
	ChunkSize int
}

// Store хранилище материалов.
// Операции над разными хешами можно вызывать конкурентно, блокировок нет:
// единственный источник истины о наличии хеша это MetaStore.
type Store struct {
	repo metastore.MetaStore
	root string
	log  logrus.FieldLogger
	opts Options
	now  func() time.Time
}

// NewStore создает хранилище с корнем root (каталог создается при необходимости)
func NewStore(repo metastore.MetaStore, root string, log logrus.FieldLogger, opts Options) (*Store, error) {
	if repo == nil {
		return nil, errors.New("metastore is required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve root %s", root)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, storageErr("mkdir", abs, err)
	}
	opts.ChunkSize = normalizeChunkSize(opts.ChunkSize)
	return &Store{repo: repo, root: abs, log: log, opts: opts, now: time.Now}, nil
}

// Root корневой каталог хранилища
func (s *Store) Root() string {
	return s.root
}

// resolvePath относительные пути считаются от корня хранилища
func (s *Store) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(s.root, p)
}

// Load регистрирует файл, который уже лежит по localPath.
// Если declared.Hash задан, он обязан совпасть с хешем содержимого.
func (s *Store) Load(ctx context.Context, localPath string, declared Metadata) (Metadata, error) {
	path := s.resolvePath(localPath)
	rec, err := NewRecord(path, declared)
	if err != nil {
		return Metadata{}, err
	}
	if declared.Hash != "" && !strings.EqualFold(declared.Hash, rec.Hash) {
		return Metadata{}, errors.Wrapf(ErrHashMismatch, "declared %s, computed %s", declared.Hash, rec.Hash)
	}

	existing, err := s.lookupExisting(ctx, rec)
	if err != nil {
		return Metadata{}, err
	}
	return s.commit(ctx, rec, existing)
}

// Unload удаляет запись о материале, файл не трогает.
// Неизвестный хеш не ошибка.
func (s *Store) Unload(ctx context.Context, hash string) error {
	hash = normalizeHash(hash)
	if err := s.repo.Delete(ctx, hash); err != nil {
		return errors.Wrap(err, "unload")
	}
	s.log.WithField("hash", hash).Debug("material unloaded")
	return nil
}

// UnloadExisting как Unload, но для неизвестного хеша возвращает ErrMaterialNotFound
func (s *Store) UnloadExisting(ctx context.Context, hash string) error {
	if _, err := s.find(ctx, hash); err != nil {
		return err
	}
	return s.Unload(ctx, hash)
}

// Add записывает data в localPath и регистрирует материал.
// Без overwrite существующий файл не трогается и возвращается ErrOverwriteNotPermitted.
func (s *Store) Add(ctx context.Context, localPath string, declared Metadata, data []byte, overwrite bool) (Metadata, error) {
	src := Frames(MetadataFrame(declared), DataFrame(data))
	return s.ingest(ctx, s.resolvePath(localPath), nil, src, overwrite, false)
}

// AddStreaming принимает поток кадров и пишет байты в localPath по мере поступления.
// Первый кадр обязан быть метаданными. Непустой declared заменяет метаданные из потока.
// При любой ошибке, в том числе отмене ctx, по localPath ничего не остается
// (а при overwrite там остается прежний файл).
func (s *Store) AddStreaming(ctx context.Context, localPath string, declared *Metadata, src FrameSource, overwrite bool) (Metadata, error) {
	return s.ingest(ctx, s.resolvePath(localPath), declared, src, overwrite, false)
}

// Put принимает поток и сам выбирает имя файла: <root>/<hash><ext>,
// расширение берется из объявленного MIME-типа. Повторная загрузка того же
// содержимого не создает второй копии на диске.
func (s *Store) Put(ctx context.Context, declared *Metadata, src FrameSource) (Metadata, error) {
	first, err := nextMetadataFrame(ctx, src)
	if err != nil {
		return Metadata{}, err
	}
	meta := *first.Metadata
	if declared != nil {
		meta = declared.Clone()
	}
	ext, ok := mimetype.ExtensionFor(meta.Mimetype)
	if !ok {
		return Metadata{}, errors.Wrapf(ErrMimetypeNotDetected, "no extension for %q", meta.Mimetype)
	}

	staged := filepath.Join(s.root, uuid.NewString()+ext)
	return s.ingest(ctx, staged, &meta, &prependSource{first: first, rest: src}, false, true)
}

// CopyAndLoad копирует файл src в dst и регистрирует копию.
// Копия проходит тот же путь, что и AddStreaming: хеш считается на лету,
// при ошибке dst не появляется (или остается прежним при overwrite).
func (s *Store) CopyAndLoad(ctx context.Context, src, dst string, declared Metadata, overwrite bool) (Metadata, error) {
	f, err := os.Open(src)
	if err != nil {
		return Metadata{}, storageErr("open", src, err)
	}
	defer f.Close()

	fr := NewFrameReader(declared, f, s.opts.ChunkSize)
	defer fr.Close()
	return s.ingest(ctx, s.resolvePath(dst), nil, fr, overwrite, false)
}

func (s *Store) ingest(ctx context.Context, path string, declared *Metadata, src FrameSource, overwrite, contentNamed bool) (Metadata, error) {
	log := s.log.WithField("path", path)

	first, err := nextMetadataFrame(ctx, src)
	if err != nil {
		return Metadata{}, err
	}
	meta := *first.Metadata
	if declared != nil {
		meta = declared.Clone()
	}

	rec, err := newUnhashedRecord(path, meta)
	if err != nil {
		return Metadata{}, err
	}

	previous, err := s.checkDestination(path, overwrite)
	if err != nil {
		return Metadata{}, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Metadata{}, storageErr("mkdir", dir, err)
	}
	pf, err := renameio.TempFile(dir, path)
	if err != nil {
		return Metadata{}, storageErr("create", path, err)
	}
	// после CloseAtomicallyReplace Cleanup ничего не делает
	defer pf.Cleanup()

	abort := func(err error) (Metadata, error) {
		log.WithField("state", stateAborted).WithError(err).Warn("ingest aborted")
		return Metadata{}, err
	}

	log.WithField("state", stateReceiving).Debug("ingest")
	hs := utils.NewHasher()
	w := io.MultiWriter(pf, hs)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		fr, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return abort(errors.Wrap(err, "read frame"))
		}
		if err := fr.validate(); err != nil {
			return abort(err)
		}
		if fr.IsMetadata() {
			return abort(errors.Wrap(ErrStructuralIngest, "metadata frame after data"))
		}
		n, err := w.Write(fr.Data)
		written += int64(n)
		if err != nil {
			return abort(storageErr("write", pf.Name(), err))
		}
	}

	rec.Hash = hs.HexDigest()
	log = log.WithFields(logrus.Fields{"hash": rec.Hash, "bytes": written})
	log.WithField("state", stateVerifying).Debug("ingest")

	if meta.Hash != "" && !strings.EqualFold(meta.Hash, rec.Hash) {
		return abort(errors.Wrapf(ErrHashMismatch, "declared %s, computed %s", meta.Hash, rec.Hash))
	}
	existing, err := s.lookupExisting(ctx, rec)
	if err != nil {
		return abort(err)
	}
	if contentNamed && existing != nil && fileExists(existing.LocalPath) {
		log.WithField("state", stateCommitted).Debug("content already stored")
		return existing.ToPortable(), nil
	}

	if err := pf.Chmod(0644); err != nil {
		return abort(storageErr("chmod", pf.Name(), err))
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return abort(storageErr("rename", path, err))
	}

	if contentNamed {
		if err := rec.RenameToHash(); err != nil {
			log.WithError(err).Warn("rename to hash failed")
		}
	}
	out, err := s.commit(ctx, rec, existing)
	if err != nil {
		// файл без записи хуже, чем отсутствие файла
		if previous == "" {
			os.Remove(rec.LocalPath)
		}
		return abort(err)
	}
	if previous != "" && previous != rec.Hash {
		s.dropStale(ctx, previous, path)
	}
	log.WithField("state", stateCommitted).Info("material stored")
	return out, nil
}

// checkDestination проверяет право записи в path. Если файл есть и
// перезапись разрешена, возвращает хеш его текущего содержимого.
func (s *Store) checkDestination(path string, overwrite bool) (string, error) {
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("stat", path, err)
	}
	if !overwrite {
		return "", errors.Wrapf(ErrOverwriteNotPermitted, "path %s", path)
	}
	if st.IsDir() {
		return "", storageErr("stat", path, errors.New("is a directory"))
	}
	return hashFile(path)
}

// dropStale снимает регистрацию записи, чей файл был перезаписан
func (s *Store) dropStale(ctx context.Context, hash, path string) {
	doc, ok, err := s.repo.Find(ctx, hash)
	if err != nil || !ok || doc.LocalPath != path {
		return
	}
	if err := s.repo.Delete(ctx, hash); err != nil {
		s.log.WithError(err).WithField("hash", hash).Error("failed to unload overwritten material")
		return
	}
	s.log.WithFields(logrus.Fields{"hash": hash, "path": path}).Info("overwritten material unloaded")
}

// lookupExisting возвращает уже зарегистрированную запись с тем же хешем.
// Метаданные существующего хеша неизменяемы: другие объявленные поля дают ErrMaterialAlreadyLoaded.
func (s *Store) lookupExisting(ctx context.Context, rec *Record) (*Record, error) {
	doc, ok, err := s.repo.Find(ctx, rec.Hash)
	if err != nil {
		return nil, errors.Wrap(err, "lookup")
	}
	if !ok {
		return nil, nil
	}
	existing := recordFromDocument(doc)
	if !existing.SameDeclaration(rec.Metadata) {
		return nil, errors.Wrapf(ErrMaterialAlreadyLoaded, "hash %s (reference %q)", rec.Hash, existing.Reference)
	}
	return existing, nil
}

func (s *Store) commit(ctx context.Context, rec, existing *Record) (Metadata, error) {
	if existing != nil && (existing.LocalPath == rec.LocalPath || fileExists(existing.LocalPath)) {
		return existing.ToPortable(), nil
	}
	// запись указывала на пропавший файл, перепривязываем к новому
	if s.opts.RenameToHash {
		if err := rec.RenameToHash(); err != nil {
			s.log.WithError(err).WithField("hash", rec.Hash).Warn("rename to hash failed")
		}
	}
	if err := s.repo.Upsert(ctx, rec.Hash, toDocument(rec, s.now().Unix())); err != nil {
		return Metadata{}, errors.Wrap(err, "commit")
	}
	s.unloadOthersAt(ctx, rec.LocalPath, rec.Hash)
	return rec.ToPortable(), nil
}

// unloadOthersAt снимает записи с другими хешами, указывающие на path:
// файл по этому пути теперь принадлежит записи keep
func (s *Store) unloadOthersAt(ctx context.Context, path, keep string) {
	others, err := s.recordsAt(ctx, path, keep)
	if err != nil {
		s.log.WithError(err).WithField("path", path).Error("failed to look up records sharing path")
		return
	}
	for _, hash := range others {
		if err := s.repo.Delete(ctx, hash); err != nil {
			s.log.WithError(err).WithField("hash", hash).Error("failed to unload superseded material")
			continue
		}
		s.log.WithFields(logrus.Fields{"hash": hash, "path": path}).Info("superseded material unloaded")
	}
}

// recordsAt хеши записей, кроме except, чей LocalPath равен path.
// Обходит весь MetaStore.
func (s *Store) recordsAt(ctx context.Context, path, except string) ([]string, error) {
	keys, err := s.repo.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	path = filepath.Clean(path)
	var out []string
	for _, hash := range keys {
		if hash == except {
			continue
		}
		doc, ok, err := s.repo.Find(ctx, hash)
		if err != nil {
			return nil, err
		}
		if ok && filepath.Clean(doc.LocalPath) == path {
			out = append(out, hash)
		}
	}
	return out, nil
}

// GetByHash возвращает переносимые метаданные материала
func (s *Store) GetByHash(ctx context.Context, hash string) (Metadata, error) {
	rec, err := s.find(ctx, hash)
	if err != nil {
		return Metadata{}, err
	}
	return rec.ToPortable(), nil
}

// GetStreamByHash возвращает поток: метаданные, затем чанки файла не больше chunkSize.
// Файл открывается при запросе первого чанка. Ошибка чтения в середине потока
// возвращается потребителю, поток не обрывается молча.
func (s *Store) GetStreamByHash(ctx context.Context, hash string, chunkSize int) (*FrameReader, error) {
	rec, err := s.find(ctx, hash)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = s.opts.ChunkSize
	}
	return newFileFrameReader(rec.ToPortable(), rec.LocalPath, chunkSize), nil
}

// Delete удаляет запись и файл. Файл удаляется, только если после удаления
// записи ее не вернул параллельный Load того же содержимого.
// Неизвестный хеш не ошибка.
func (s *Store) Delete(ctx context.Context, hash string) error {
	hash = normalizeHash(hash)
	doc, ok, err := s.repo.Find(ctx, hash)
	if err != nil {
		return errors.Wrap(err, "delete")
	}
	if !ok {
		return nil
	}
	log := s.log.WithFields(logrus.Fields{"hash": hash, "path": doc.LocalPath})

	if err := s.repo.Delete(ctx, hash); err != nil {
		return errors.Wrap(err, "delete")
	}
	if _, again, err := s.repo.Find(ctx, hash); err != nil {
		return errors.Wrap(err, "delete recheck")
	} else if again {
		log.Info("material re-registered concurrently, file kept")
		return nil
	}
	if others, err := s.recordsAt(ctx, doc.LocalPath, hash); err != nil {
		return errors.Wrap(err, "delete recheck")
	} else if len(others) > 0 {
		log.WithField("owners", others).Info("file belongs to another material, kept")
		return nil
	}

	if err := os.Remove(doc.LocalPath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Error("failed to remove material file")
		return storageErr("remove", doc.LocalPath, err)
	}
	log.Info("material deleted")
	return nil
}

// ListHashes возвращает все известные хеши, порядок не гарантируется
func (s *Store) ListHashes(ctx context.Context) ([]string, error) {
	keys, err := s.repo.ListKeys(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list hashes")
	}
	return keys, nil
}

// ListHashesMatching возвращает хеши, начинающиеся с prefix (без учета регистра)
func (s *Store) ListHashesMatching(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.repo.ListKeysMatching(ctx, normalizeHash(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "list hashes")
	}
	return keys, nil
}

// Verify пересчитывает хеш файла и сообщает, совпадает ли он с ключом записи
func (s *Store) Verify(ctx context.Context, hash string) (bool, error) {
	rec, err := s.find(ctx, hash)
	if err != nil {
		return false, err
	}
	return rec.VerifyHash("")
}

// Refresh приводит запись в соответствие с изменившимся файлом:
// новый хеш, MIME-тип по расширению, новый ключ в MetaStore.
func (s *Store) Refresh(ctx context.Context, hash string) (Metadata, error) {
	hash = normalizeHash(hash)
	rec, err := s.find(ctx, hash)
	if err != nil {
		return Metadata{}, err
	}
	changed, err := rec.DeriveHash(false)
	if err != nil {
		return Metadata{}, err
	}
	if !changed {
		return rec.ToPortable(), nil
	}
	log := s.log.WithFields(logrus.Fields{"hash": rec.Hash, "previous": hash})

	if doc, ok, err := s.repo.Find(ctx, rec.Hash); err != nil {
		return Metadata{}, errors.Wrap(err, "refresh")
	} else if ok {
		// такое содержимое уже зарегистрировано, старая запись лишняя
		if err := s.repo.Delete(ctx, hash); err != nil {
			return Metadata{}, errors.Wrap(err, "refresh")
		}
		log.Info("drifted material matches existing entry")
		return recordFromDocument(doc).ToPortable(), nil
	}

	oldPath := rec.LocalPath
	if s.opts.RenameToHash {
		if err := rec.RenameToHash(); err != nil {
			log.WithError(err).Warn("rename to hash failed")
		}
	}
	// при ошибке MetaStore старая запись должна остаться рабочей
	rollback := func(err error) (Metadata, error) {
		if rec.LocalPath != oldPath {
			if rerr := os.Rename(rec.LocalPath, oldPath); rerr != nil {
				log.WithError(rerr).Error("failed to restore file name")
			}
		}
		return Metadata{}, errors.Wrap(err, "refresh")
	}
	if err := s.repo.Upsert(ctx, rec.Hash, toDocument(rec, s.now().Unix())); err != nil {
		return rollback(err)
	}
	if err := s.repo.Delete(ctx, hash); err != nil {
		if derr := s.repo.Delete(ctx, rec.Hash); derr != nil {
			log.WithError(derr).Error("failed to drop refreshed entry")
		}
		return rollback(err)
	}
	log.Info("material refreshed")
	return rec.ToPortable(), nil
}

// ResolvePrefix находит полный хеш по его началу
func (s *Store) ResolvePrefix(ctx context.Context, prefix string) (string, error) {
	prefix = normalizeHash(prefix)
	if prefix == "" || !utils.IsHexString(prefix) {
		return "", errors.Wrapf(ErrMaterialNotFound, "prefix %q", prefix)
	}
	keys, err := s.repo.ListKeysMatching(ctx, prefix)
	if err != nil {
		return "", errors.Wrap(err, "resolve prefix")
	}
	switch len(keys) {
	case 0:
		return "", errors.Wrapf(ErrMaterialNotFound, "prefix %s", prefix)
	case 1:
		return keys[0], nil
	}
	return "", errors.Wrapf(ErrAmbiguousPrefix, "prefix %s matches %d materials", prefix, len(keys))
}

func (s *Store) find(ctx context.Context, hash string) (*Record, error) {
	hash = normalizeHash(hash)
	doc, ok, err := s.repo.Find(ctx, hash)
	if err != nil {
		return nil, errors.Wrap(err, "find")
	}
	if !ok {
		return nil, errors.Wrapf(ErrMaterialNotFound, "hash %s", hash)
	}
	return recordFromDocument(doc), nil
}

// nextMetadataFrame читает обязательный первый кадр потока
func nextMetadataFrame(ctx context.Context, src FrameSource) (Frame, error) {
	first, err := src.Next(ctx)
	if err == io.EOF {
		return Frame{}, errors.Wrap(ErrStructuralIngest, "empty stream")
	}
	if err != nil {
		return Frame{}, errors.Wrap(err, "read metadata frame")
	}
	if err := first.validate(); err != nil {
		return Frame{}, err
	}
	if !first.IsMetadata() {
		return Frame{}, errors.Wrap(ErrStructuralIngest, "first frame carries data")
	}
	return first, nil
}

// prependSource возвращает уже прочитанный кадр обратно в начало потока
type prependSource struct {
	first Frame
	rest  FrameSource
	used  bool
}

func (p *prependSource) Next(ctx context.Context) (Frame, error) {
	if !p.used {
		p.used = true
		return p.first, nil
	}
	return p.rest.Next(ctx)
}

func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
