package apiserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency under route and recovers handler panics.
func instrument(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				log.WithFields(log.Fields{"route": route, "panic": p}).Error("handler panicked")
				rec.WriteHeader(http.StatusInternalServerError)
			}

			elapsed := time.Since(start)
			metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
			log.WithFields(log.Fields{
				"route":    route,
				"method":   req.Method,
				"status":   rec.status,
				"duration": elapsed,
			}).Debug("request served")
		}()

		h.ServeHTTP(rec, req)
	})
}

// decodeJSON reads a small JSON body into v.
func decodeJSON(req *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(req.Body, 64<<10))
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return apperror.New(apperror.Validation, "request body is required")
		}
		return apperror.Wrap(err, apperror.Validation, "request body is not valid JSON")
	}

	return nil
}
