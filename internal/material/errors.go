package material

import (
	"fmt"

	"github.com/pkg/errors"
)

// Ошибки хранилища материалов. Все они восстановимые, проверять через errors.Is.
var (
	ErrMimetypeNotDetected   = errors.New("mimetype could not be detected")
	ErrMimetypeMismatch      = errors.New("declared mimetype does not match file mimetype")
	ErrHashMismatch          = errors.New("declared hash does not match content hash")
	ErrOverwriteNotPermitted = errors.New("file exists and overwrite is not permitted")
	ErrMaterialAlreadyLoaded = errors.New("material already loaded with different metadata")
	ErrMaterialNotFound      = errors.New("material not found")
	ErrStructuralIngest      = errors.New("malformed material upload stream")
	ErrAmbiguousPrefix       = errors.New("hash prefix matches more than one material")
)

// StorageError ошибка локального ввода-вывода (диск, права доступа).
// Не входит в перечень ошибок выше и не повторяется внутри хранилища.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e == nil {
		return "storage error"
	}
	if e.Path == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func storageErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Path: path, Err: err}
}

// IsStorageError сообщает, вызвана ли ошибка сбоем локального хранилища
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
