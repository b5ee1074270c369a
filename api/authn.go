// Authentication wiring for the HTTP server: builds an auth.Authenticator
// from node config and exposes a token-issuance endpoint for operators.
// Adapted from the teacher's authn.go, which wired a similar admin-facing
// user/token management surface against AIStore's authn service.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package api

import (
	"errors"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/lavenderdata/lavender/auth"
	"github.com/lavenderdata/lavender/config"
)

var errAuthDisabled = errors.New("api: token issuance requires auth.enabled with a JWT secret")

// AuthenticatorFromConfig builds the configured Authenticator: auth.None
// when disabled, auth.JWT keyed by the configured secret otherwise.
func AuthenticatorFromConfig(cfg config.AuthConfig) auth.Authenticator {
	if !cfg.Enabled {
		return auth.None{}
	}
	return auth.JWT{Secret: []byte(cfg.Secret)}
}

type issueTokenRequest struct {
	Principal string        `json:"principal"`
	TTL       time.Duration `json:"ttl"`
}

type issueTokenResponse struct {
	Token string `json:"token"`
}

// handleIssueToken lets an operator mint a bearer token for a principal;
// only registered when auth is enabled (see Routes).
func (a *App) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	jwtAuth, ok := a.Auth.(auth.JWT)
	if !ok {
		writeErr(w, http.StatusNotImplemented, errAuthDisabled)
		return
	}
	var body issueTokenRequest
	if err := jsoniter.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if body.TTL == 0 {
		body.TTL = 24 * time.Hour
	}
	token, err := jwtAuth.Issue(body.Principal, body.TTL)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, issueTokenResponse{Token: token})
}
