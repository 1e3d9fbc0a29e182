package relay

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

// tunnelView is the JSON representation of a Tunnel returned by the
// management API.
type tunnelView struct {
	Name        string         `json:"name"`
	Mode        string         `json:"mode"`
	Protocol    string         `json:"protocol"`
	TargetHost  string         `json:"targetHost"`
	TargetPort  int            `json:"targetPort"`
	AccessURL   string         `json:"accessUrl"`
	ConnectedAt time.Time      `json:"connectedAt"`
	ClientInfo  map[string]any `json:"clientInfo,omitempty"`
	Stats       Snapshot       `json:"stats"`
}

func newTunnelView(t *Tunnel, domain string) tunnelView {
	return tunnelView{
		Name:        t.Name,
		Mode:        t.Mode,
		Protocol:    t.Protocol,
		TargetHost:  t.TargetHost,
		TargetPort:  t.TargetPort,
		AccessURL:   t.AccessURL(domain),
		ConnectedAt: t.ConnectedAt,
		ClientInfo:  t.ClientInfo,
		Stats:       t.Stats.snapshot(),
	}
}

// API is the management REST surface: token authenticated except
// GET /health, CORS open, reads served from
// in-memory state, writes issued as command frames over the relevant
// agent's control channel.
type API struct {
	registry  *Registry
	cfg       *Config
	router    *httprouter.Router
	startedAt time.Time
}

// NewAPI builds the management API handler.
func NewAPI(registry *Registry, cfg *Config) *API {
	a := &API{registry: registry, cfg: cfg, startedAt: time.Now()}

	r := httprouter.New()
	r.GET("/health", a.health)
	r.GET("/tunnels", a.authenticated(a.listTunnels))
	r.GET("/tunnels/:name", a.authenticated(a.getTunnel))
	r.DELETE("/tunnels/:name", a.authenticated(a.stopTunnel))
	r.POST("/tunnels/:name/restart", a.authenticated(a.restartTunnel))
	r.GET("/stats", a.authenticated(a.stats))
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	a.router = r
	return a
}

// ServeHTTP implements http.Handler, applying CORS to every response and
// short-circuiting preflight requests.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Auth-Token, Authorization")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	a.router.ServeHTTP(w, r)
}

func (a *API) authenticated(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !ValidateManagementToken(a.cfg.AuthToken, tokenFromRequest(r)) {
			writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r, ps)
	}
}

func tokenFromRequest(r *http.Request) string {
	if tok := r.Header.Get("X-Auth-Token"); tok != "" {
		return tok
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (a *API) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(a.startedAt).Seconds(),
		"tunnels": len(a.registry.List()),
		"memory":  mem.Alloc,
		"domain":  a.cfg.Domain,
	})
}

func (a *API) listTunnels(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	tunnels := a.registry.List()
	views := make([]tunnelView, 0, len(tunnels))
	for _, t := range tunnels {
		views = append(views, newTunnelView(t, a.cfg.Domain))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tunnels": views, "count": len(views)})
}

func (a *API) getTunnel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	t, ok := a.registry.Lookup(ps.ByName("name"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "tunnel not found")
		return
	}
	writeJSON(w, http.StatusOK, newTunnelView(t, a.cfg.Domain))
}

func (a *API) stopTunnel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	t, ok := a.registry.Lookup(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "tunnel not found")
		return
	}
	t.session.Stop("stopped via management API")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Tunnel " + name + " stopped",
	})
}

func (a *API) restartTunnel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	t, ok := a.registry.Lookup(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "tunnel not found")
		return
	}
	if err := t.session.Restart("restart requested via management API"); err != nil {
		writeJSONError(w, http.StatusBadGateway, "failed to signal agent: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Tunnel " + name + " restart requested",
	})
}

func (a *API) stats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	tunnels := a.registry.List()
	var requests, bytesIn, bytesOut uint64
	for _, t := range tunnels {
		s := t.Stats.snapshot()
		requests += s.Requests
		bytesIn += s.BytesIn
		bytesOut += s.BytesOut
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tunnels":  len(tunnels),
		"requests": requests,
		"bytesIn":  bytesIn,
		"bytesOut": bytesOut,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
