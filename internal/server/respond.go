package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ldapdeck/ldapdeck/internal/ldap"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the layered failure classes onto distinct HTTP statuses so
// API clients can tell "not configured", "needs credential", "write
// rejected" and protocol failures apart.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, errClusterNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errCredentialMissing):
		status = http.StatusUnauthorized
	case errors.Is(err, errReadOnly):
		status = http.StatusForbidden
	case errors.Is(err, ldap.ErrNoEndpoints):
		status = http.StatusInternalServerError
	case ldap.IsConstraint(err):
		status = http.StatusConflict
	case ldap.IsNotFound(err):
		status = http.StatusNotFound
	case ldap.IsAuthError(err):
		status = http.StatusUnauthorized
	case ldap.IsConnectError(err):
		status = http.StatusBadGateway
	}

	body := map[string]string{"detail": err.Error()}
	if category := ldap.Category(err); category != ldap.ErrorCategoryUnknown {
		body["category"] = string(category)
	}
	writeJSON(w, status, body)
}

func decodeBody(r *http.Request, into any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(into)
}
