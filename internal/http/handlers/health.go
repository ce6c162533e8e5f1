package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// Probe checks one backing dependency.
type Probe func(ctx context.Context) error

// Health reports liveness only.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready runs every probe and answers 503 when any fails.
func (a *App) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(a.Probes))
	for name := range a.Probes {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	code := http.StatusOK
	for _, name := range names {
		if err := a.Probes[name](ctx); err != nil {
			a.Logger.Warn().Err(err).Str("probe", name).Msg("http: readiness probe failed")
			checks[name] = "down"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	status := "ok"
	if code != http.StatusOK {
		status = "degraded"
	}
	a.json(w, code, map[string]any{"status": status, "checks": checks})
}
