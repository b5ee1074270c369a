// Package auth defines the client-facing authentication boundary. Spec
// §1 treats API-key auth for clients as orthogonal to the core and
// specifies it only as an interface; cluster.Sign/Verify (C8) is the one
// authentication mechanism the core actually requires, between nodes.
// This package supplies the interface plus one concrete implementation
// grounded on the teacher's api/authn.go, which already wires
// github.com/golang-jwt/jwt/v4 for bearer-token validation.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Authenticator validates an inbound request and returns the caller's
// principal name, or an error if the request is not authorized.
type Authenticator interface {
	Authenticate(r *http.Request) (principal string, err error)
}

// None allows every request through, unauthenticated; the default for
// single-node/local development, per spec §1's framing of client auth as
// out of the core's required scope.
type None struct{}

func (None) Authenticate(*http.Request) (string, error) { return "anonymous", nil }

// JWT validates a Bearer token against a fixed signing secret, the
// concrete option for deployments that want client auth enabled.
type JWT struct {
	Secret []byte
}

type claims struct {
	Principal string `json:"sub"`
	jwt.RegisteredClaims
}

func (j JWT) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("auth: missing bearer token")
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	var c claims
	tok, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: unexpected signing method")
		}
		return j.Secret, nil
	})
	if err != nil || !tok.Valid {
		return "", errors.New("auth: invalid token")
	}
	return c.Principal, nil
}

// Issue mints a signed token for principal, valid for ttl — used by the
// /auth/token handler (api.handleIssueToken).
func (j JWT) Issue(principal string, ttl time.Duration) (string, error) {
	c := claims{
		Principal: principal,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(j.Secret)
}
