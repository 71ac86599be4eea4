package shield

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/provdir/shield/cache"
	"github.com/provdir/shield/degrade"
)

// statusResponse is the administrative snapshot: dependency health,
// aggregate counters and live cache size in one read-only view.
type statusResponse struct {
	Backend string           `json:"backend"`
	Health  degrade.Snapshot `json:"health"`
	Cache   cache.Stats      `json:"cache"`
}

type limitResponse struct {
	Name     string `json:"name"`
	Max      int64  `json:"max"`
	WindowMs int64  `json:"window_ms"`
}

// AdminHandler exposes the operator surface. It is read-only except for the
// cache clear, which is privileged and must be mounted behind the
// application's admin authentication, never on the public router.
func (s *Shield) AdminHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/limits", s.handleLimits).Methods(http.MethodGet)
	r.HandleFunc("/cache/clear", s.handleCacheClear).Methods(http.MethodPost)
	return r
}

func (s *Shield) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Backend: string(s.backend),
		Health:  s.coord.Snapshot(),
		Cache:   s.cch.Stats(r.Context()),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Shield) handleLimits(w http.ResponseWriter, _ *http.Request) {
	specs := s.lim.Specs()
	out := make([]limitResponse, 0, len(specs))
	for _, spec := range specs {
		out = append(out, limitResponse{
			Name:     spec.Name,
			Max:      spec.Max,
			WindowMs: spec.Window.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Shield) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	removed := s.cch.ClearAll(r.Context())
	log.Info().Int64("removed", removed).Str("remote", r.RemoteAddr).Msg("operator cleared cache")
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("admin response encoding failed")
	}
}
