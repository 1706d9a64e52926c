package server

import (
	"errors"
	"net/http"

	"ripplecast/internal/api"
)

// writeMiddlewareError normalises middleware error responses to the API JSON
// shape so clients parse one error format everywhere.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteError(w, status, errors.New(message))
}
