// Package errors holds request-scoped logging and HTTP error helpers.
// Log lines carry the chi request id so a client-reported failure can be
// matched to its server-side cause.
package errors

import (
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// InternalError logs the real error and hides it from the client.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	log.Printf("[ERROR] %s%s: %v", reqPrefix(r), message, err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// BadRequestError logs the parse or validation failure and returns the
// client-safe message with a 400.
func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	log.Printf("[WARN] %sbad request: %v", reqPrefix(r), err)
	http.Error(w, clientMessage, http.StatusBadRequest)
}

// LogError records a request-scoped error without writing a response.
func LogError(r *http.Request, message string, err error) {
	log.Printf("[ERROR] %s%s: %v", reqPrefix(r), message, err)
}

func reqPrefix(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return fmt.Sprintf("RequestID=%s: ", id)
	}
	return ""
}
