/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package apiserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"goji.io/pat"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/auth"
	"github.com/scoir/anchor/pkg/crypto"
	"github.com/scoir/anchor/pkg/datastore"
	"github.com/scoir/anchor/pkg/lifecycle"
	"github.com/scoir/anchor/pkg/util"
	"github.com/scoir/anchor/pkg/verification"
)

// present hides the viewer list from everyone but the owner.
func present(c *datastore.Credential, caller string) *datastore.Credential {
	out := c.Copy()
	if caller != c.Access.OwnerKey {
		out.Access.AuthorizedViewers = []*datastore.AccessEntry{}
	}

	return out
}

// multipartBody limits and parses a multipart request, mapping an oversized body to
// PAYLOAD_TOO_LARGE.
func (r *APIServer) multipartBody(w http.ResponseWriter, req *http.Request) error {
	req.Body = http.MaxBytesReader(w, req.Body, r.maxBody)
	if err := req.ParseMultipartForm(r.maxBody); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.Newf(apperror.PayloadTooLarge, "request body exceeds %d bytes", r.maxBody)
		}
		return apperror.Wrap(err, apperror.Validation, "request must be multipart/form-data")
	}

	return nil
}

type upload struct {
	name     string
	mimeType string
	body     []byte
}

func formFile(req *http.Request, field string) (*upload, error) {
	f, hdr, err := req.FormFile(field)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.Validation, fmt.Sprintf("multipart field %q is required", field))
	}
	defer f.Close()

	body, err := io.ReadAll(f)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.Validation, "unable to read uploaded file")
	}

	return &upload{name: hdr.Filename, mimeType: hdr.Header.Get("Content-Type"), body: body}, nil
}

func (r *APIServer) register(w http.ResponseWriter, req *http.Request) {
	if err := r.multipartBody(w, req); err != nil {
		util.WriteError(w, err)
		return
	}

	file, err := formFile(req, "file")
	if err != nil {
		util.WriteError(w, err)
		return
	}

	md := datastore.Metadata{}
	raw := req.FormValue("metadata")
	if raw == "" {
		util.WriteErrorf(w, apperror.Validation, "multipart field %q is required", "metadata")
		return
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&md); err != nil {
		util.WriteError(w, apperror.Wrap(err, apperror.Validation, "metadata is not valid JSON"))
		return
	}

	res, err := r.orchestrator.Issue(req.Context(), &lifecycle.Input{
		IssuerKey: auth.Wallet(req.Context()),
		OwnerKey:  req.FormValue("ownerKey"),
		FileName:  file.name,
		MimeType:  file.mimeType,
		Body:      file.body,
		Metadata:  md,
	})
	if err != nil {
		util.WriteError(w, err)
		return
	}

	util.WriteSuccess(w, http.StatusCreated, res)
}

func pageOf(req *http.Request) (datastore.Page, error) {
	p := datastore.Page{}
	q := req.URL.Query()

	for key, dst := range map[string]*int{"page": &p.Page, "limit": &p.Limit} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, apperror.Newf(apperror.Validation, "%s must be an integer", key)
		}
		*dst = n
	}

	return p.Normalize(), nil
}

func (r *APIServer) list(w http.ResponseWriter, req *http.Request) {
	page, err := pageOf(req)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	rel := datastore.Relation(strings.ToLower(req.URL.Query().Get("relation")))
	switch rel {
	case datastore.AnyRelation, datastore.AsOwner, datastore.AsIssuer, datastore.AsViewer:
	default:
		util.WriteErrorf(w, apperror.Validation, "unknown relation %q", rel)
		return
	}

	caller := auth.Wallet(req.Context())
	out, err := r.store.ListCredentials(req.Context(), &datastore.CredentialCriteria{
		Wallet:   caller,
		Relation: rel,
		Query:    req.URL.Query().Get("q"),
		Page:     page,
	})
	if err != nil {
		util.WriteError(w, err)
		return
	}

	for i, c := range out.Items {
		out.Items[i] = present(c, caller)
	}

	util.WriteSuccess(w, http.StatusOK, out)
}

func (r *APIServer) detail(w http.ResponseWriter, req *http.Request) {
	caller := auth.Wallet(req.Context())
	c, err := r.access.Authorize(req.Context(), caller, pat.Param(req, "fingerprint"), datastore.View)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	util.WriteSuccess(w, http.StatusOK, present(c, caller))
}

func (r *APIServer) download(w http.ResponseWriter, req *http.Request) {
	caller := auth.Wallet(req.Context())
	c, err := r.access.Authorize(req.Context(), caller, pat.Param(req, "fingerprint"), datastore.Download)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	if c.BlobLocator == "" {
		util.WriteErrorf(w, apperror.NotFound, "credential %s has no stored body", c.Fingerprint)
		return
	}

	sealed, err := r.blobs.Fetch(req.Context(), c.BlobLocator)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	body, err := r.cipher.Decrypt(sealed)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	if crypto.Fingerprint(body) != c.Fingerprint {
		log.WithField("fingerprint", c.Fingerprint).Error("decrypted body does not match its fingerprint")
		util.WriteErrorf(w, apperror.Crypto, "stored body for %s is corrupt", c.Fingerprint)
		return
	}

	_, err = r.trail.Record(req.Context(), &datastore.AuditEvent{
		Fingerprint: c.Fingerprint,
		Kind:        datastore.Downloaded,
		ActorKey:    caller,
		Payload:     map[string]interface{}{"byteSize": len(body)},
	})
	if err != nil {
		util.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", c.FileDescriptor.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", c.FileDescriptor.OriginalName))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.WithError(err).Debug("unable to write credential body")
	}
}

func (r *APIServer) shareQR(w http.ResponseWriter, req *http.Request) {
	c, err := r.access.Authorize(req.Context(), auth.Wallet(req.Context()), pat.Param(req, "fingerprint"), datastore.View)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	link, err := verification.ShareURL(r.publicURL, c.Fingerprint)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	png, err := verification.EncodeQR(link, 256)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type grantRequest struct {
	Wallet     string               `json:"wallet"`
	Capability datastore.Capability `json:"capability"`
}

type transferRequest struct {
	NewOwner string `json:"newOwner"`
}

func (r *APIServer) grant(w http.ResponseWriter, req *http.Request) {
	in := &grantRequest{}
	if err := decodeJSON(req, in); err != nil {
		util.WriteError(w, err)
		return
	}

	caller := auth.Wallet(req.Context())
	c, err := r.access.Grant(req.Context(), caller, pat.Param(req, "fingerprint"), in.Wallet, in.Capability)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	util.WriteSuccess(w, http.StatusOK, present(c, caller))
}

func (r *APIServer) revoke(w http.ResponseWriter, req *http.Request) {
	in := &grantRequest{}
	if err := decodeJSON(req, in); err != nil {
		util.WriteError(w, err)
		return
	}

	caller := auth.Wallet(req.Context())
	c, err := r.access.Revoke(req.Context(), caller, pat.Param(req, "fingerprint"), in.Wallet)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	util.WriteSuccess(w, http.StatusOK, present(c, caller))
}

func (r *APIServer) transfer(w http.ResponseWriter, req *http.Request) {
	in := &transferRequest{}
	if err := decodeJSON(req, in); err != nil {
		util.WriteError(w, err)
		return
	}

	caller := auth.Wallet(req.Context())
	c, err := r.access.Transfer(req.Context(), caller, pat.Param(req, "fingerprint"), in.NewOwner)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	util.WriteSuccess(w, http.StatusOK, present(c, caller))
}
