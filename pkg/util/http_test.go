package util

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/scoir/anchor/pkg/apperror"
)

func TestWriteError(t *testing.T) {
	t.Run("tagged error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, apperror.Wrap(errors.New("secret detail"), apperror.DuplicateFingerprint, "taken"))

		require.Equal(t, http.StatusConflict, rec.Code)
		body := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, false, body["success"])
		require.Equal(t, "DUPLICATE_FINGERPRINT", body["error"])
		require.Equal(t, false, body["retryable"])
		require.NotContains(t, rec.Body.String(), "secret detail")
	})

	t.Run("untagged error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.New("boom"))
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.Contains(t, rec.Body.String(), `"INTERNAL"`)
	})
}

func TestWriteSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteSuccess(rec, http.StatusCreated, map[string]string{"fingerprint": "0x01"})

	require.Equal(t, http.StatusCreated, rec.Code)
	require.JSONEq(t, `{"success":true,"data":{"fingerprint":"0x01"}}`, rec.Body.String())
}

func TestConfigureLogging(t *testing.T) {
	require.NoError(t, ConfigureLogging("debug", "json"))
	require.NoError(t, ConfigureLogging("", ""))
	require.Error(t, ConfigureLogging("loud", ""))
	require.Error(t, ConfigureLogging("info", "xml"))
}
