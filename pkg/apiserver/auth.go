package apiserver

import (
	"net/http"

	"github.com/scoir/anchor/pkg/util"
)

type challengeRequest struct {
	Wallet string `json:"wallet"`
}

type loginRequest struct {
	Wallet    string `json:"wallet"`
	Signature string `json:"signature"`
}

func (r *APIServer) challenge(w http.ResponseWriter, req *http.Request) {
	in := &challengeRequest{}
	if err := decodeJSON(req, in); err != nil {
		util.WriteError(w, err)
		return
	}

	ch, err := r.auth.Challenge(req.Context(), in.Wallet)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	util.WriteSuccess(w, http.StatusOK, ch)
}

func (r *APIServer) login(w http.ResponseWriter, req *http.Request) {
	in := &loginRequest{}
	if err := decodeJSON(req, in); err != nil {
		util.WriteError(w, err)
		return
	}

	sess, err := r.auth.Login(req.Context(), in.Wallet, in.Signature)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	util.WriteSuccess(w, http.StatusOK, sess)
}
