package relay

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// Server wires together the registry, virtual-connection table, dynamic
// port manager, public routers and management API into three listeners:
// the public httpPort, the legacy wsPort agent endpoint, and the apiPort
// management surface.
type Server struct {
	cfg      *Config
	registry *Registry
	vconns   *VConnTable
	dynamic  *DynamicPortManager
	router   *Router
	api      *API
	upgrader websocket.Upgrader
}

// NewServer builds a relay server from cfg. The tunnel registry is wired
// to the dynamic port manager after both exist, since each depends on the
// other's existence (the manager serves requests by resolving through the
// registry; the registry releases the manager's refcount on teardown).
func NewServer(cfg *Config) *Server {
	vconns := NewVConnTable()
	registry := NewRegistry(vconns, nil)
	router := NewRouter(registry, vconns, cfg, false)
	dynamicRouter := NewRouter(registry, vconns, cfg, true)
	dynamic := NewDynamicPortManager(cfg.reservedPorts(), dynamicRouter)
	registry.dynamic = dynamic

	return &Server{
		cfg:      cfg,
		registry: registry,
		vconns:   vconns,
		dynamic:  dynamic,
		router:   router,
		api:      NewAPI(registry, cfg),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the three listeners and blocks until the first one exits.
func (s *Server) Run() error {
	errCh := make(chan error, 3)

	go func() {
		slog.Info("public http listener starting", "port", s.cfg.HTTPPort, "domain", s.cfg.Domain)
		errCh <- fmt.Errorf("public http listener: %w", http.ListenAndServe(portAddr(s.cfg.HTTPPort), http.HandlerFunc(s.handlePublic)))
	}()

	go func() {
		slog.Info("legacy agent listener starting", "port", s.cfg.WSPort)
		errCh <- fmt.Errorf("legacy agent listener: %w", http.ListenAndServe(portAddr(s.cfg.WSPort), http.HandlerFunc(s.handleAgentUpgrade)))
	}()

	go func() {
		slog.Info("management api listener starting", "port", s.cfg.APIPort)
		errCh <- fmt.Errorf("management api listener: %w", http.ListenAndServe(portAddr(s.cfg.APIPort), s.api))
	}()

	return <-errCh
}

// handlePublic is the httpPort entrypoint: "/ws*" on the base domain
// itself (not a tunnel subdomain) is the agent upgrade endpoint;
// everything else goes through the tunnel router.
func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	if s.isAgentUpgradePath(r) {
		s.handleAgentUpgrade(w, r)
		return
	}
	s.router.ServeHTTP(w, r)
}

func (s *Server) isAgentUpgradePath(r *http.Request) bool {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host == s.cfg.Domain && strings.HasPrefix(r.URL.Path, "/ws")
}

// handleAgentUpgrade upgrades an inbound agent connection to a websocket
// and hands it to a fresh AgentSession. Serves both the main-port "/ws"
// path and the dedicated legacy wsPort listener.
func (s *Server) handleAgentUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("agent websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	slog.Info("agent connected", "remote", r.RemoteAddr)
	session := NewAgentSession(conn, s.cfg, s.registry, s.vconns, s.dynamic, r.RemoteAddr)
	session.Run()
}
