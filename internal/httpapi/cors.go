package httpapi

import "net/http"

// corsMiddleware sets Access-Control-Allow-Origin and Vary only when the Site
// Registry recognizes the request's Origin host, following the teacher's
// wrapWithCORS shape (internal/app/httpapi/service.go) but made conditional
// per spec.md §6 rather than wildcarded.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if s.Registry != nil {
				if _, ok, err := s.Registry.GetByOrigin(r.Context(), origin); err == nil && ok {
					w.Header().Set("Vary", "Origin")
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				}
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
