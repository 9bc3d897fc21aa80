package main

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const cookieFilename = "api.cookie"

func cookiePath(dataDir string) string {
	return filepath.Join(dataDir, cookieFilename)
}

// generateToken creates a 32-byte random hex token.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// writeCookie writes the auth token to <dataDir>/api.cookie with 0600 perms.
func writeCookie(dataDir, token string) error {
	return os.WriteFile(cookiePath(dataDir), []byte(token), 0o600)
}

// readCookie returns the token of a running server sharing dataDir.
func readCookie(dataDir string) (string, error) {
	b, err := os.ReadFile(cookiePath(dataDir))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// deleteCookie removes the cookie file.
func deleteCookie(dataDir string) {
	os.Remove(cookiePath(dataDir))
}

// authMiddleware rejects requests that don't carry a valid Bearer token.
func authMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		provided, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="supplyledger"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
