package api

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/copilotgov/backend/internal/config"
)

var errBadAPIKey = errors.New("invalid api key")

// keyResolver maps X-API-Key headers onto roles. Keys take the form
// "<keyID>:<secret>"; only the bcrypt hash of the secret is configured, so a
// leaked config file does not leak usable credentials.
type keyResolver struct {
	keys map[string]config.APIKeyEntry
}

func newKeyResolver(keys map[string]config.APIKeyEntry) *keyResolver {
	return &keyResolver{keys: keys}
}

// resolveRole returns the role for the request. When API keys are configured
// the header is mandatory and the role claim in the body is ignored; in the
// keyless demo setup, the body role is used as-is.
func (kr *keyResolver) resolveRole(r *http.Request, bodyRole string) (string, error) {
	if len(kr.keys) == 0 {
		if bodyRole == "" {
			return "employee", nil
		}
		return bodyRole, nil
	}

	header := r.Header.Get("X-API-Key")
	keyID, secret, ok := strings.Cut(header, ":")
	if !ok {
		return "", errBadAPIKey
	}
	entry, exists := kr.keys[keyID]
	if !exists {
		return "", errBadAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(entry.KeyHash), []byte(secret)); err != nil {
		return "", errBadAPIKey
	}
	return entry.Role, nil
}
