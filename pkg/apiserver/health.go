package apiserver

import (
	"context"
	"net/http"
	"time"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/blob"
	"github.com/scoir/anchor/pkg/util"
)

const healthTimeout = 3 * time.Second

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type ledgerHealth struct {
	Status string `json:"status"`
	Head   uint64 `json:"head"`
	Error  string `json:"error,omitempty"`
}

type healthReport struct {
	Status      string          `json:"status"`
	RecordStore componentHealth `json:"recordStore"`
	Blob        blob.Status     `json:"blob"`
	Ledger      ledgerHealth    `json:"ledger"`
	Pending     int             `json:"pendingOperations"`
}

// health reports 503 when the record store is down, every blob provider is down or the
// ledger cannot be reached. A partial blob outage is reported as degraded with 200.
func (r *APIServer) health(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthTimeout)
	defer cancel()

	out := healthReport{
		Status:      blob.StatusOK,
		RecordStore: componentHealth{Status: blob.StatusOK},
		Blob:        r.blobs.Status(),
		Ledger:      ledgerHealth{Status: blob.StatusOK},
		Pending:     len(r.orchestrator.Pending()),
	}

	down := false
	if err := r.store.Ping(ctx); err != nil {
		out.RecordStore = componentHealth{Status: blob.StatusDown, Error: string(apperror.KindOf(err))}
		down = true
	}

	head, err := r.ledger.Head(ctx)
	if err != nil {
		out.Ledger = ledgerHealth{Status: blob.StatusDown, Error: string(apperror.KindOf(err))}
		down = true
	} else {
		out.Ledger.Head = head
	}

	switch {
	case down || out.Blob.Status == blob.StatusDown:
		out.Status = blob.StatusDown
	case out.Blob.Status == blob.StatusDegraded:
		out.Status = blob.StatusDegraded
	}

	code := http.StatusOK
	if out.Status == blob.StatusDown {
		code = http.StatusServiceUnavailable
	}

	util.WriteJSON(w, code, out)
}
