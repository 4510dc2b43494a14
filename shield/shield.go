// Package shield provides the HTTP middleware of the workbench API: security
// headers, request body limits, request IDs with access logging, and HEAD
// handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(logger, idgen.Prefixed("req_", idgen.Default)) {
//	    r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"

	"github.com/hazyhaar/narthex/idgen"
)

// MaxJSONBody caps request bodies of the API.
const MaxJSONBody int64 = 1 << 20

// APIStack returns the standard middleware stack of the JSON API, ordered
// HeadToGet → SecurityHeaders → MaxBody → RequestID.
func APIStack(logger *slog.Logger, newID idgen.Generator) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxBody(MaxJSONBody),
		RequestID(logger, newID),
	}
}
