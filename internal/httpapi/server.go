// Package httpapi is the Master's REST surface for the UI and the agent's
// HTTP fallback transport (pairing, heartbeat, command long-poll/result),
// per spec.md §4.4.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/illyvia/lattice/internal/logging"
	"github.com/illyvia/lattice/internal/notify"
	"github.com/illyvia/lattice/internal/router"
	"github.com/illyvia/lattice/internal/store"
	"github.com/illyvia/lattice/internal/terminal"
)

// Server holds every dependency the HTTP API needs and exposes an
// http.Handler ready to mount.
type Server struct {
	store  *store.Store
	router *router.Router
	term   *terminal.Multiplexer
	notify *notify.Multi
	log    *logging.Logger
	mux    *http.ServeMux
}

// New builds the HTTP API's route table.
func New(st *store.Store, rt *router.Router, term *terminal.Multiplexer, n *notify.Multi, log *logging.Logger) *Server {
	s := &Server{store: st, router: rt, term: term, notify: n, log: log, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler, applying permissive CORS per §4.4
// before delegating to the route table.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.applyCORS(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Agent-Hostname")
	w.Header().Set("Vary", "Origin")
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/pair", s.handlePair)
	s.mux.HandleFunc("POST /api/heartbeat", s.handleHeartbeat)

	s.mux.HandleFunc("GET /api/nodes", s.handleListNodes)
	s.mux.HandleFunc("POST /api/nodes", s.handleCreateNode)
	s.mux.HandleFunc("PATCH /api/nodes/{id}", s.handleRenameNode)
	s.mux.HandleFunc("DELETE /api/nodes/{id}", s.handleDeleteNode)
	s.mux.HandleFunc("POST /api/nodes/{id}/actions/update-agent", s.handleUpdateAgent)

	s.mux.HandleFunc("GET /api/vm-images", s.handleListImages)

	s.mux.HandleFunc("GET /api/nodes/{id}/vms", s.handleListVMs)
	s.mux.HandleFunc("POST /api/nodes/{id}/vms", s.handleCreateVM)
	s.mux.HandleFunc("GET /api/nodes/{id}/vms/{vm_id}", s.handleGetVM)
	s.mux.HandleFunc("GET /api/nodes/{id}/vms/{vm_id}/operations", s.handleListOperations)
	s.mux.HandleFunc("POST /api/nodes/{id}/vms/{vm_id}/actions/{action}", s.handleVMAction)

	s.mux.HandleFunc("GET /api/nodes/{id}/logs", s.handleListLogs)

	s.mux.HandleFunc("POST /api/nodes/{id}/commands/next", s.handleCommandsNext)
	s.mux.HandleFunc("POST /api/nodes/{id}/commands/result", s.handleCommandsResult)

	s.mux.HandleFunc("GET /ws/node-logs", s.handleLogStreamWS)
	s.mux.HandleFunc("GET /ws/nodes/{id}/logs", s.handleLogStreamWS)
	s.mux.HandleFunc("GET /ws/nodes/{id}/terminal", s.handleNodeTerminalWS)
	s.mux.HandleFunc("GET /ws/nodes/{id}/vms/{vm_id}/terminal", s.handleVMTerminalWS)
	s.mux.HandleFunc("GET /ws/nodes/{id}/containers/{name}/terminal", s.handleContainerTerminalWS)
	s.mux.HandleFunc("GET /ws/nodes/{id}/containers/{name}/logs", s.handleContainerLogsWS)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// bearerToken extracts the token from an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// outcomeStatus maps a Store Outcome to the HTTP status code it implies for
// agent-scoped endpoints, per spec.md §7's error taxonomy.
func outcomeStatus(o store.Outcome) int {
	switch o {
	case store.OK:
		return http.StatusOK
	case store.MissingToken, store.InvalidToken:
		return http.StatusUnauthorized
	case store.NodeMismatch:
		return http.StatusForbidden
	case store.NotFound, store.VMNotFound, store.ImageNotFound:
		return http.StatusNotFound
	case store.InvalidCode, store.InvalidName, store.InvalidPayload:
		return http.StatusBadRequest
	case store.AlreadyPaired, store.Conflict, store.InvalidState,
		store.CapabilityNotReady, store.NodeNotPaired, store.DuplicateName:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
