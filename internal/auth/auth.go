package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

func HashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// SetBearer adds an Authorization header to req unless tok is empty.
func SetBearer(req *http.Request, tok string) {
	if tok == "" {
		return
	}
	req.Header.Set("Authorization", bearerPrefix+tok)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	return header[len(bearerPrefix):], true
}

// Matches compares the hashes of got and want in constant time.
func Matches(got, want string) bool {
	g, w := HashToken(got), HashToken(want)
	return subtle.ConstantTimeCompare([]byte(g), []byte(w)) == 1
}
