package material

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
)

const (
	// DefaultChunkSize размер чанка при выдаче файла, если не задан явно
	DefaultChunkSize = 1 << 20
	// MaxChunkSize больший запрошенный размер урезается до этого
	MaxChunkSize = 64 << 20
)

// Frame единица передачи: либо метаданные, либо сырые байты.
// Корректный поток начинается ровно с одного кадра метаданных,
// за которым следуют ноль или больше кадров данных.
type Frame struct {
	Metadata *Metadata `msgpack:"metadata,omitempty"`
	Data     []byte    `msgpack:"data,omitempty"`
}

// MetadataFrame кадр с метаданными
func MetadataFrame(m Metadata) Frame {
	m = m.Clone()
	return Frame{Metadata: &m}
}

// DataFrame кадр с байтами
func DataFrame(b []byte) Frame {
	return Frame{Data: b}
}

// IsMetadata сообщает, несет ли кадр метаданные
func (f Frame) IsMetadata() bool {
	return f.Metadata != nil
}

func (f Frame) validate() error {
	if f.Metadata != nil && len(f.Data) > 0 {
		return errors.Wrap(ErrStructuralIngest, "frame carries both metadata and data")
	}
	return nil
}

// FrameSource упорядоченный источник кадров. По окончании Next возвращает io.EOF.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
}

type sliceSource struct {
	frames []Frame
}

// Frames источник из готового набора кадров
func Frames(frames ...Frame) FrameSource {
	return &sliceSource{frames: frames}
}

func (s *sliceSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if len(s.frames) == 0 {
		return Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

// FrameReader ленивый однонаправленный поток: сначала метаданные,
// затем чанки не больше chunkSize. Сам является FrameSource.
type FrameReader struct {
	meta      Metadata
	open      func() (io.ReadCloser, error)
	name      string
	rc        io.ReadCloser
	chunkSize int
	bufSize   int
	sentMeta  bool
	done      bool
}

// NewFrameReader поток кадров из метаданных и произвольного reader
func NewFrameReader(meta Metadata, r io.Reader, chunkSize int) *FrameReader {
	return &FrameReader{
		meta:      meta.Clone(),
		open:      func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
		chunkSize: normalizeChunkSize(chunkSize),
	}
}

// newFileFrameReader открывает файл только при запросе первого чанка
func newFileFrameReader(meta Metadata, path string, chunkSize int) *FrameReader {
	return &FrameReader{
		meta:      meta.Clone(),
		open:      func() (io.ReadCloser, error) { return os.Open(path) },
		name:      path,
		chunkSize: normalizeChunkSize(chunkSize),
	}
}

// Metadata метаданные, которые поток отдаст первым кадром
func (fr *FrameReader) Metadata() Metadata {
	return fr.meta.Clone()
}

// Next возвращает следующий кадр или io.EOF
func (fr *FrameReader) Next(ctx context.Context) (Frame, error) {
	if fr.done {
		return Frame{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		fr.Close()
		return Frame{}, err
	}
	if !fr.sentMeta {
		fr.sentMeta = true
		return MetadataFrame(fr.meta), nil
	}
	if fr.rc == nil {
		rc, err := fr.open()
		if err != nil {
			fr.Close()
			return Frame{}, storageErr("open", fr.name, err)
		}
		fr.rc = rc
		fr.bufSize = fr.chunkSize
		if f, ok := rc.(*os.File); ok {
			if st, err := f.Stat(); err == nil && st.Size() < int64(fr.bufSize) {
				// файл меньше чанка: буфер по размеру файла, но не пустой
				fr.bufSize = int(st.Size()) + 1
			}
		}
	}

	buf := make([]byte, fr.bufSize)
	n, err := io.ReadFull(fr.rc, buf)
	switch {
	case err == io.EOF:
		fr.Close()
		return Frame{}, io.EOF
	case err == io.ErrUnexpectedEOF:
		// последний неполный чанк, следующий вызов вернет io.EOF
		fr.Close()
		return DataFrame(buf[:n]), nil
	case err != nil:
		fr.Close()
		return Frame{}, storageErr("read", fr.name, err)
	}
	return DataFrame(buf), nil
}

// Close прекращает чтение. Повторный вызов безопасен.
func (fr *FrameReader) Close() error {
	fr.done = true
	if fr.rc == nil {
		return nil
	}
	err := fr.rc.Close()
	fr.rc = nil
	return err
}

func normalizeChunkSize(n int) int {
	switch {
	case n <= 0:
		return DefaultChunkSize
	case n > MaxChunkSize:
		return MaxChunkSize
	}
	return n
}

type dataReader struct {
	ctx context.Context
	src FrameSource
	buf []byte
}

// NewDataReader склеивает кадры данных в io.Reader.
// Кадр метаданных в этой части потока считается ошибкой.
func NewDataReader(ctx context.Context, src FrameSource) io.Reader {
	return &dataReader{ctx: ctx, src: src}
}

func (r *dataReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		fr, err := r.src.Next(r.ctx)
		if err != nil {
			return 0, err
		}
		if fr.IsMetadata() {
			return 0, errors.Wrap(ErrStructuralIngest, "metadata frame after data")
		}
		r.buf = fr.Data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
