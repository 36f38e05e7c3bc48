package apiserver

import (
	"net/http"
	"strings"
	"time"

	"goji.io/pat"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/auth"
	"github.com/scoir/anchor/pkg/crypto"
	"github.com/scoir/anchor/pkg/datastore"
	"github.com/scoir/anchor/pkg/util"
)

func parseTime(req *http.Request, key string) (*time.Time, error) {
	v := req.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperror.Newf(apperror.Validation, "%s must be an RFC 3339 timestamp", key)
	}

	t = t.UTC()
	return &t, nil
}

func auditCriteria(req *http.Request, fp string) (*datastore.AuditCriteria, error) {
	page, err := pageOf(req)
	if err != nil {
		return nil, err
	}

	c := &datastore.AuditCriteria{Fingerprint: fp, Page: page}

	if kinds := req.URL.Query().Get("kind"); kinds != "" {
		for _, k := range strings.Split(kinds, ",") {
			c.Kinds = append(c.Kinds, datastore.EventKind(strings.ToUpper(strings.TrimSpace(k))))
		}
	}

	if c.From, err = parseTime(req, "from"); err != nil {
		return nil, err
	}

	if c.To, err = parseTime(req, "to"); err != nil {
		return nil, err
	}

	if actor := req.URL.Query().Get("actor"); actor != "" {
		if c.ActorKey, err = crypto.NormalizeWallet(actor); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (r *APIServer) auditTrail(w http.ResponseWriter, req *http.Request) {
	c, err := r.access.Authorize(req.Context(), auth.Wallet(req.Context()), pat.Param(req, "fingerprint"), datastore.View)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	criteria, err := auditCriteria(req, c.Fingerprint)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	out, err := r.trail.Events(req.Context(), criteria)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	util.WriteSuccess(w, http.StatusOK, out)
}

func (r *APIServer) auditSummary(w http.ResponseWriter, req *http.Request) {
	c, err := r.access.Authorize(req.Context(), auth.Wallet(req.Context()), pat.Param(req, "fingerprint"), datastore.View)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	out, err := r.trail.Summarize(req.Context(), c)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	util.WriteSuccess(w, http.StatusOK, out)
}
