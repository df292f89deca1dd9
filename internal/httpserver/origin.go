package httpserver

import (
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/origin"
)

// withOriginPolicy applies the signaling origin allowlist to plain HTTP
// endpoints and answers with CORS headers for allowed browser origins.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Origin") == "" {
			next(w, r)
			return
		}
		if !s.origins.Check(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		allowOrigin, _, ok := origin.Normalize(r.Header.Get("Origin"))
		if !ok {
			allowOrigin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		next(w, r)
	}
}
