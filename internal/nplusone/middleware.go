package nplusone

import (
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader is read from and echoed on every tracked request.
const RequestIDHeader = "X-Request-ID"

// Middleware opens a tracking context for every request and runs the
// detector when the handler returns.
func Middleware(d *Detector, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx, tc := d.StartTracking(r.Context(), id)
		defer d.FinishTracking(ctx, tc)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
