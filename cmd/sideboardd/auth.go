package main

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// checkSessionAuth validates the X-Sideboard-Password header (or, when
// that is absent, the "password" query parameter) against the
// configured bcrypt hash, returning the authenticated
// principal. A Sideboard session has a single shared password rather
// than per-user accounts, so the "user" string is fixed once auth
// succeeds.
func checkSessionAuth(r *http.Request, passwordHash string) (string, bool) {
	if passwordHash == "" {
		return "", false
	}

	password := r.Header.Get("X-Sideboard-Password")
	if password == "" {
		password = r.URL.Query().Get("password")
	}
	if password == "" {
		return "", false
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return "", false
	}
	return "session", true
}
