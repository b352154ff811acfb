package trust

import (
	"encoding/json"
	"net/http"
)

// Router mounts the read-only GET /v1/trust endpoint on r.
func Router(r chiRouter, s *Scorekeeper) {
	r.Get("/v1/trust", func(w http.ResponseWriter, req *http.Request) {
		snapshot := s.Latest()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot)
	})
}

// chiRouter is the subset of chi.Router this package needs, kept narrow so
// this file doesn't force a chi import cycle on callers that just want the
// handler.
type chiRouter interface {
	Get(pattern string, h http.HandlerFunc)
}
