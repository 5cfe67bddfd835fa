package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack"

	"github.com/Gammanik/material-store/internal/material"
	"github.com/Gammanik/material-store/internal/mimetype"
	"github.com/Gammanik/material-store/internal/utils"
)

// ContentTypeFrames тип тела с потоком msgpack-кадров
const ContentTypeFrames = "application/x-msgpack"

// MaterialHandler обрабатывает запросы к хранилищу материалов
type MaterialHandler struct {
	Store     *material.Store
	Log       logrus.FieldLogger
	ChunkSize int
}

// NewRouter регистрирует обработчики HTTP запросов
func NewRouter(h *MaterialHandler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", h.Health).Methods("GET")
	router.HandleFunc("/status", h.Status).Methods("GET")
	router.HandleFunc("/materials", h.Upload).Methods("PUT")
	router.HandleFunc("/materials", h.List).Methods("GET")
	router.HandleFunc("/materials/{hash}", h.GetInfo).Methods("GET")
	router.HandleFunc("/materials/{hash}", h.Delete).Methods("DELETE")
	router.HandleFunc("/materials/{hash}/stream", h.Stream).Methods("GET")
	router.HandleFunc("/materials/{hash}/content", h.Content).Methods("GET")
	router.HandleFunc("/materials/{hash}/verify", h.Verify).Methods("POST")
	router.HandleFunc("/materials/{hash}/refresh", h.Refresh).Methods("POST")
	return router
}

// frameDecoder читает кадры из тела запроса
type frameDecoder struct {
	body *bodyReader
	dec  *msgpack.Decoder
}

func newFrameDecoder(r io.Reader) *frameDecoder {
	body := &bodyReader{r: r}
	return &frameDecoder{body: body, dec: msgpack.NewDecoder(body)}
}

// bodyReader запоминает ошибку чтения, чтобы отличить обрыв тела от испорченного кадра
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		b.err = err
	}
	return n, err
}

func (d *frameDecoder) Next(ctx context.Context) (material.Frame, error) {
	var f material.Frame
	if err := ctx.Err(); err != nil {
		return f, err
	}
	err := d.dec.Decode(&f)
	switch {
	case err == nil:
		return f, nil
	case err == io.EOF:
		return f, io.EOF
	case d.body.err != nil:
		return f, errors.Wrap(d.body.err, "read request body")
	case ctx.Err() != nil:
		return f, ctx.Err()
	case err == io.ErrUnexpectedEOF:
		return f, errors.Wrap(err, "request body ended inside a frame")
	}
	return f, errors.Wrapf(material.ErrStructuralIngest, "decode frame: %v", err)
}

// Upload принимает поток кадров. С параметром path файл пишется туда,
// иначе хранилище само выбирает имя по хешу.
func (h *MaterialHandler) Upload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")
	overwrite, _ := strconv.ParseBool(q.Get("overwrite"))
	if path != "" && !isLocalPath(path) {
		http.Error(w, "path must be relative to the storage root", http.StatusBadRequest)
		return
	}

	src := newFrameDecoder(r.Body)
	log := h.Log.WithField("path", path)

	var (
		meta material.Metadata
		err  error
	)
	if path == "" {
		meta, err = h.Store.Put(r.Context(), nil, src)
	} else {
		meta, err = h.Store.AddStreaming(r.Context(), path, nil, src, overwrite)
	}
	if err != nil {
		writeError(w, log, err)
		return
	}

	log.WithField("hash", meta.Hash).Info("material uploaded")
	writeJSON(w, http.StatusCreated, meta)
}

// List возвращает известные хеши, с параметром prefix только совпадающие
func (h *MaterialHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Store.ListHashesMatching(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// GetInfo возвращает метаданные; допускается сокращенный хеш
func (h *MaterialHandler) GetInfo(w http.ResponseWriter, r *http.Request) {
	hash, err := h.resolve(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	meta, err := h.Store.GetByHash(r.Context(), hash)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// Stream отдает поток кадров: метаданные, затем чанки файла
func (h *MaterialHandler) Stream(w http.ResponseWriter, r *http.Request) {
	fr, ok := h.openStream(w, r)
	if !ok {
		return
	}
	defer fr.Close()

	log := h.Log.WithField("hash", fr.Metadata().Hash)
	w.Header().Set("Content-Type", ContentTypeFrames)
	w.WriteHeader(http.StatusOK)

	enc := msgpack.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	for {
		frame, err := fr.Next(r.Context())
		if err == io.EOF {
			return
		}
		if err != nil {
			// заголовки уже ушли: обрываем соединение, чтобы клиент увидел ошибку
			log.WithError(err).Error("stream aborted")
			panic(http.ErrAbortHandler)
		}
		if err := enc.Encode(&frame); err != nil {
			log.WithError(err).Warn("client went away")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Content отдает сырые байты с MIME-типом материала
func (h *MaterialHandler) Content(w http.ResponseWriter, r *http.Request) {
	fr, ok := h.openStream(w, r)
	if !ok {
		return
	}
	defer fr.Close()

	meta := fr.Metadata()
	ctx := r.Context()
	// первый кадр это метаданные, они уже известны
	if _, err := fr.Next(ctx); err != nil {
		writeError(w, h.Log, err)
		return
	}

	w.Header().Set("Content-Type", meta.Mimetype)
	if ext, ok := mimetype.ExtensionFor(meta.Mimetype); ok {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Hash+ext))
	}
	if _, err := io.Copy(w, material.NewDataReader(ctx, fr)); err != nil {
		h.Log.WithError(err).WithField("hash", meta.Hash).Error("content aborted")
		panic(http.ErrAbortHandler)
	}
}

func (h *MaterialHandler) openStream(w http.ResponseWriter, r *http.Request) (*material.FrameReader, bool) {
	hash, err := h.resolve(r)
	if err != nil {
		writeError(w, h.Log, err)
		return nil, false
	}
	chunkSize := h.ChunkSize
	if v := r.URL.Query().Get("chunk_size"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			chunkSize = s
		}
		if chunkSize > material.MaxChunkSize {
			chunkSize = material.MaxChunkSize
		}
	}
	fr, err := h.Store.GetStreamByHash(r.Context(), hash, chunkSize)
	if err != nil {
		writeError(w, h.Log, err)
		return nil, false
	}
	return fr, true
}

// Delete удаляет материал. С keep_file=true снимается только регистрация.
// Нужен полный хеш: удаление по префиксу слишком легко промахивается.
func (h *MaterialHandler) Delete(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	if !utils.IsHexDigest(hash) {
		http.Error(w, "invalid hash", http.StatusBadRequest)
		return
	}

	keepFile, _ := strconv.ParseBool(r.URL.Query().Get("keep_file"))
	var err error
	if keepFile {
		err = h.Store.UnloadExisting(r.Context(), hash)
	} else {
		err = h.Store.Delete(r.Context(), hash)
	}
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Verify сообщает, совпадает ли содержимое файла с хешем
func (h *MaterialHandler) Verify(w http.ResponseWriter, r *http.Request) {
	hash, err := h.resolve(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	ok, err := h.Store.Verify(r.Context(), hash)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hash": hash, "intact": ok})
}

// Refresh перерегистрирует изменившийся файл под новым хешем
func (h *MaterialHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	hash, err := h.resolve(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	meta, err := h.Store.Refresh(r.Context(), hash)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// Health проверка живости
func (h *MaterialHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "ok")
}

// Status сводка по хранилищу: число материалов, объем данных, свободное место
func (h *MaterialHandler) Status(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Store.ListHashes(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	root := h.Store.Root()
	totalSize, err := dirSize(root)
	if err != nil {
		h.Log.WithError(err).Warn("failed to calculate storage size")
	}

	// Получаем информацию о свободном месте
	var stat syscall.Statfs_t
	syscall.Statfs(root, &stat)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "online",
		"materials": len(keys),
		"totalSize": totalSize,
		"freeSpace": stat.Bavail * uint64(stat.Bsize),
	})
}

// resolve берет хеш из пути, сокращенный хеш раскрывается
func (h *MaterialHandler) resolve(r *http.Request) (string, error) {
	hash := mux.Vars(r)["hash"]
	if utils.IsHexDigest(hash) {
		return hash, nil
	}
	return h.Store.ResolvePrefix(r.Context(), hash)
}

// isLocalPath не выпускает путь за пределы корня хранилища
func isLocalPath(p string) bool {
	if filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	return clean != "." && clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

// dirSize вычисляет общий размер директории
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
