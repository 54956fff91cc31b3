package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// DecodeJSON decodes a JSON request body into dst, rejecting unknown
// fields. Writes a 400 response and returns false on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteValidationError(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// PathVarOrError extracts a non-empty path variable. Writes a 400
// response and returns false when the variable is missing.
func PathVarOrError(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	value := mux.Vars(r)[name]
	if value == "" {
		WriteValidationError(w, fmt.Sprintf("missing path parameter: %s", name))
		return "", false
	}
	return value, true
}

// ParseQueryInt parses an integer query parameter with a default
func ParseQueryInt(r *http.Request, name string, defaultValue int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// RequireNonEmpty validates that a field is non-empty. Writes a 400
// response and returns false when it is.
func RequireNonEmpty(w http.ResponseWriter, value, fieldName string) bool {
	if value == "" {
		WriteValidationError(w, fmt.Sprintf("%s is required", fieldName))
		return false
	}
	return true
}
