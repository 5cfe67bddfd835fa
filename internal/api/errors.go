package api

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Gammanik/material-store/internal/material"
)

// ErrorBody тело ответа с ошибкой
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type errorKind struct {
	kind   string
	err    error
	status int
}

var errorKinds = []errorKind{
	{"not_found", material.ErrMaterialNotFound, http.StatusNotFound},
	{"ambiguous_prefix", material.ErrAmbiguousPrefix, http.StatusConflict},
	{"overwrite_not_permitted", material.ErrOverwriteNotPermitted, http.StatusConflict},
	{"already_loaded", material.ErrMaterialAlreadyLoaded, http.StatusConflict},
	{"hash_mismatch", material.ErrHashMismatch, http.StatusUnprocessableEntity},
	{"mimetype_mismatch", material.ErrMimetypeMismatch, http.StatusUnprocessableEntity},
	{"mimetype_not_detected", material.ErrMimetypeNotDetected, http.StatusUnprocessableEntity},
	{"structural", material.ErrStructuralIngest, http.StatusBadRequest},
}

// KindOf возвращает код ошибки для ответа и HTTP статус
func KindOf(err error) (string, int) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind, k.status
		}
	}
	if material.IsStorageError(err) {
		return "storage", http.StatusInternalServerError
	}
	return "internal", http.StatusInternalServerError
}

// ErrorForKind обратное отображение: код из ответа в ошибку хранилища.
// Для неизвестного кода возвращает nil.
func ErrorForKind(kind string) error {
	for _, k := range errorKinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}

func writeError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	kind, status := KindOf(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	} else {
		log.WithError(err).WithField("kind", kind).Info("request rejected")
	}
	writeJSON(w, status, ErrorBody{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
