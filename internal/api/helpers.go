package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
)

// errorResponse is the wire shape of every error body.
type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Reject trailing garbage after the first value.
	if dec.More() {
		return errors.New("request body contains more than one JSON value")
	}
	return nil
}

var (
	packageNamePattern = regexp.MustCompile(`^([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9._-]*[A-Za-z0-9])$`)
	nameSeparators     = regexp.MustCompile(`[-_.]+`)
)

// isValidPackageName reports whether name is a well-formed PyPI
// project name: alphanumeric with interior dots, hyphens, and
// underscores.
func isValidPackageName(name string) bool {
	return packageNamePattern.MatchString(name)
}

// canonicalizePackageName normalizes a project name the way the index
// does: lowercase, with runs of separators collapsed to a single
// hyphen. "Quart.DB" and "quart_db" identify the same package.
func canonicalizePackageName(name string) string {
	return strings.ToLower(nameSeparators.ReplaceAllString(name, "-"))
}
