package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/vahti/internal/discovery"
	"github.com/yairfalse/vahti/internal/emitter"
	"github.com/yairfalse/vahti/internal/facetlock"
	"github.com/yairfalse/vahti/internal/inventory"
	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/wal"
)

// HealthStatus is the agent's self-report served on /health.
type HealthStatus struct {
	Status    string               `json:"status"`
	Uptime    int64                `json:"uptime_seconds"`
	Ready     bool                 `json:"ready"`
	Resources map[string]int       `json:"resources"`
	Pending   int                  `json:"pending_work"`
	Stuck     []string             `json:"stuck_resources,omitempty"`
	Server    string               `json:"server,omitempty"`
	Reports   *emitter.ServerStats `json:"reports,omitempty"`
	Spool     *wal.HealthStatus    `json:"spool,omitempty"`
	Discovery *DiscoveryStatus     `json:"discovery,omitempty"`
}

// DiscoveryStatus describes the last completed discovery pass.
type DiscoveryStatus struct {
	Passes int             `json:"passes"`
	Last   discovery.Stats `json:"last"`
}

// Health reports the agent state. Status is "degraded" when resources are
// stuck, the spool needs attention or the server is unreachable.
func (d *Daemon) Health() HealthStatus {
	h := HealthStatus{
		Status:    "healthy",
		Uptime:    int64(time.Since(d.startTime).Seconds()),
		Ready:     d.Ready(),
		Resources: make(map[string]int),
		Pending:   d.sched.Pending(),
		Stuck:     d.sched.StuckResources(),
	}
	for state, n := range d.tree.CountByState() {
		h.Resources[state.String()] = n
	}
	if len(h.Stuck) > 0 {
		h.Status = "degraded"
	}
	if d.client != nil {
		if cur, ok := d.client.Current(); ok {
			h.Server = cur.String()
		}
	}
	if d.server != nil {
		stats := d.server.Stats()
		h.Reports = &stats
		if stats.Offline {
			h.Status = "degraded"
		}
	}
	if d.spool != nil {
		spool := d.spool.GetHealth()
		h.Spool = &spool
		if !spool.Healthy {
			h.Status = "degraded"
		}
	}
	if stats, passes := d.driver.LastStats(); passes > 0 {
		h.Discovery = &DiscoveryStatus{Passes: passes, Last: stats}
	}
	return h
}

func (d *Daemon) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", d.telemetry.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Health())
	})
	mux.HandleFunc("GET /-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "OK\n")
	})
	mux.HandleFunc("GET /-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !d.Ready() {
			http.Error(w, "initial discovery not complete", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "OK\n")
	})
	mux.HandleFunc("GET /inventory", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.tree.Snapshot())
	})
	mux.HandleFunc("POST /availability", d.handleAvailability)
	mux.HandleFunc("POST /operation", d.handleOperation)
	mux.HandleFunc("POST /discovery", d.handleDiscovery)
	mux.HandleFunc("POST /resources", d.handleManualAdd)
	mux.HandleFunc("POST /resources/{id}/restart", d.handleRestart)
	mux.HandleFunc("DELETE /resources/{id}", d.handleUninventory)
	mux.HandleFunc("GET /resources/{id}/configuration", d.handleGetConfiguration)
	mux.HandleFunc("PUT /resources/{id}/configuration", d.handlePutConfiguration)
	mux.HandleFunc("GET /resources/{id}/content", d.handleContent)
	mux.HandleFunc("GET /resources/{id}/support", d.handleSupport)
	return mux
}

// AvailabilityResponse is returned by POST /availability.
type AvailabilityResponse struct {
	Availability map[string]string `json:"availability"`
	Error        string            `json:"error,omitempty"`
}

func (d *Daemon) handleAvailability(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["resource"]
	if len(ids) == 0 {
		http.Error(w, "at least one resource parameter is required", http.StatusBadRequest)
		return
	}
	results, err := d.sched.ForceAvailability(r.Context(), ids)
	resp := AvailabilityResponse{Availability: make(map[string]string, len(results))}
	for id, a := range results {
		resp.Availability[id] = string(a)
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleOperation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, name := q.Get("resource"), q.Get("name")
	if id == "" || name == "" {
		http.Error(w, "resource and name parameters are required", http.StatusBadRequest)
		return
	}
	var params map[string]string
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid parameters: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	res, err := d.InvokeOperation(r.Context(), id, name, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *Daemon) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	stats, err := d.discover(r.Context(), "manual", d.driver.Run)
	switch {
	case errors.Is(err, discovery.ErrPassInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, stats)
	}
}

// ManualAddRequest is the body of POST /resources.
type ManualAddRequest struct {
	ParentID     string            `json:"parent_id"`
	Type         string            `json:"type"`
	PluginConfig map[string]string `json:"plugin_config"`
}

func (d *Daemon) handleManualAdd(w http.ResponseWriter, r *http.Request) {
	var req ManualAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	c, err := d.driver.ManualAdd(r.Context(), req.ParentID, req.Type, req.PluginConfig)
	if err != nil {
		writeError(w, err)
		return
	}
	d.metrics.RecordResources(r.Context(), d.tree.CountByState())
	writeJSON(w, http.StatusCreated, c.Resource())
}

func (d *Daemon) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := d.driver.Restart(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handleUninventory(w http.ResponseWriter, r *http.Request) {
	ids, err := d.driver.Uninventory(r.Context(), r.PathValue("id"))
	if len(ids) > 0 {
		d.prom.Forget(ids...)
		d.metrics.RecordResources(r.Context(), d.tree.CountByState())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"removed": ids})
}

func (d *Daemon) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, err := d.LoadConfiguration(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (d *Daemon) handlePutConfiguration(w http.ResponseWriter, r *http.Request) {
	var cfg plugin.Configuration
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid configuration: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := d.UpdateConfiguration(r.Context(), r.PathValue("id"), cfg); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handleContent(w http.ResponseWriter, r *http.Request) {
	pkgs, err := d.DiscoverPackages(r.Context(), r.PathValue("id"), r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	if pkgs == nil {
		pkgs = []plugin.Package{}
	}
	writeJSON(w, http.StatusOK, pkgs)
}

func (d *Daemon) handleSupport(w http.ResponseWriter, r *http.Request) {
	snapshot, err := d.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+r.PathValue("id")+`-support"`)
	_, _ = w.Write(snapshot)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write admin response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), errorStatus(err))
}

func errorStatus(err error) int {
	var (
		inUse   *inventory.ResourceInUseError
		dup     *inventory.DuplicateResourceError
		failure *discovery.Failure
		inv     *plugin.InvocationError
	)
	switch {
	case errors.Is(err, inventory.ErrNotFound), errors.Is(err, plugin.ErrUnknownType):
		return http.StatusNotFound
	case errors.As(err, &inUse), errors.As(err, &dup), errors.Is(err, inventory.ErrNotStarted):
		return http.StatusConflict
	case errors.Is(err, inventory.ErrFacetUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, facetlock.ErrTimeout), errors.Is(err, facetlock.ErrCallTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &failure), errors.As(err, &inv):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
