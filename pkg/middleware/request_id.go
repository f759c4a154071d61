package middleware

import (
	"net/http"
	"regexp"

	"github.com/fuse-drs/drs-provider/pkg/requestid"
	"github.com/go-chi/chi/v5/middleware"
)

var clientRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// RequestID attaches a correlation id to the request context and echoes it
// in the response header. A well formed client supplied id is reused.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestid.Header)
		if !clientRequestID.MatchString(id) {
			id = middleware.GetReqID(r.Context())
		}
		if id == "" {
			id = requestid.Generate()
		}

		w.Header().Set(requestid.Header, id)
		next.ServeHTTP(w, r.WithContext(requestid.ToContext(r.Context(), id)))
	})
}
