package apiserver

import (
	"mime"
	"net/http"

	"goji.io/pat"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/auth"
	"github.com/scoir/anchor/pkg/util"
	"github.com/scoir/anchor/pkg/verification"
)

type qrRequest struct {
	Payload string `json:"payload"`
}

type hashRequest struct {
	Hash string `json:"hash"`
}

func (r *APIServer) writeVerification(w http.ResponseWriter, res *verification.Result, err error) {
	if err != nil {
		util.WriteError(w, err)
		return
	}

	util.WriteSuccess(w, http.StatusOK, res)
}

func (r *APIServer) verifyFile(w http.ResponseWriter, req *http.Request) {
	if err := r.multipartBody(w, req); err != nil {
		util.WriteError(w, err)
		return
	}

	file, err := formFile(req, "file")
	if err != nil {
		util.WriteError(w, err)
		return
	}

	res, err := r.engine.VerifyFile(req.Context(), auth.Wallet(req.Context()), file.body)
	r.writeVerification(w, res, err)
}

func (r *APIServer) verifyFingerprint(w http.ResponseWriter, req *http.Request) {
	res, err := r.engine.VerifyFingerprint(req.Context(), auth.Wallet(req.Context()), pat.Param(req, "fingerprint"))
	r.writeVerification(w, res, err)
}

// verifyQR accepts either a JSON {payload} body or a multipart upload of the code image.
func (r *APIServer) verifyQR(w http.ResponseWriter, req *http.Request) {
	caller := auth.Wallet(req.Context())

	mt, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if mt == "multipart/form-data" {
		if err := r.multipartBody(w, req); err != nil {
			util.WriteError(w, err)
			return
		}

		img, err := formFile(req, "image")
		if err != nil {
			util.WriteError(w, err)
			return
		}

		res, err := r.engine.VerifyQRImage(req.Context(), caller, img.body)
		r.writeVerification(w, res, err)
		return
	}

	in := &qrRequest{}
	if err := decodeJSON(req, in); err != nil {
		util.WriteError(w, err)
		return
	}

	res, err := r.engine.VerifyQR(req.Context(), caller, in.Payload)
	r.writeVerification(w, res, err)
}

// verifyHash serves the older POST spelling of verify-by-fingerprint.
func (r *APIServer) verifyHash(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Deprecation", "true")
	w.Header().Set("Link", `<`+Prefix+`/credentials/verify/{fingerprint}>; rel="successor-version"`)

	in := &hashRequest{}
	if err := decodeJSON(req, in); err != nil {
		util.WriteError(w, err)
		return
	}

	if in.Hash == "" {
		util.WriteError(w, apperror.New(apperror.Validation, "hash is required"))
		return
	}

	res, err := r.engine.VerifyFingerprint(req.Context(), auth.Wallet(req.Context()), in.Hash)
	r.writeVerification(w, res, err)
}
