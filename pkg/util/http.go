package util

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/scoir/anchor/pkg/apperror"
)

type successBody struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

type errorBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func WriteSuccess(w http.ResponseWriter, status int, data interface{}) {
	WriteJSON(w, status, successBody{Success: true, Data: data})
}

// WriteError renders err with the status and deterministic message of its kind.
func WriteError(w http.ResponseWriter, err error) {
	kind := apperror.KindOf(err)
	if kind == apperror.Internal {
		log.WithError(err).Error("unhandled error")
	}

	WriteJSON(w, apperror.HTTPStatus(kind), errorBody{
		Error:     string(kind),
		Message:   apperror.Message(kind),
		Retryable: apperror.Retryable(kind),
	})
}

func WriteErrorf(w http.ResponseWriter, kind apperror.Kind, msg string, args ...interface{}) {
	WriteError(w, apperror.Newf(kind, msg, args...))
}

// WriteJSON writes body as is, for responses outside the success/error envelope.
func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Debug("unable to write response body")
	}
}
