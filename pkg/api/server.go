// Package api implements the controller's HTTP surface: node
// registration, heartbeat forwarding, and static file serving from a
// node's files directory. Any ingress/TLS layer in front of these
// handlers is someone else's concern; this package only implements the
// handler functions themselves.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nodefleet/controller/pkg/controller"
	"github.com/nodefleet/controller/pkg/log"
	"github.com/nodefleet/controller/pkg/supervisor"
)

// ErrInvalidFilename is returned when a /files/ path would escape its
// node's files directory.
var ErrInvalidFilename = errors.New("api: invalid filename")

// Server wires the Network Controller to its HTTP handlers.
type Server struct {
	ctrl   *controller.Controller
	logger zerolog.Logger
}

// NewServer creates a Server bound to ctrl.
func NewServer(ctrl *controller.Controller) *Server {
	return &Server{ctrl: ctrl, logger: log.WithComponent("api")}
}

// Router builds the net/http mux wiring every handler to its method and
// path pattern.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /nodes/{name}", s.PutNode)
	mux.HandleFunc("POST /heartbeat/{name}", s.Heartbeat)
	mux.HandleFunc("GET /files/{name}/{path...}", s.ServeFile)
	return mux
}

// PutNode handles PUT /nodes/{name}: registers a node, creating it on
// first sight or updating it if already known (see controller.Controller.RegisterNode
// for the open-question decision). Always 200 on success.
func (s *Server) PutNode(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var overlay map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&overlay); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
	}
	if overlay == nil {
		overlay = map[string]any{}
	}

	if _, err := s.ctrl.RegisterNode(r.Context(), name, overlay); err != nil {
		s.logger.Error().Err(err).Str("node", name).Msg("failed to register node")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// heartbeatRequest is the wire shape of a POST /heartbeat/{name} body.
type heartbeatRequest struct {
	CookieExec string `json:"cookie_exec"`
	CookieData string `json:"cookie_data"`
	Genesis    string `json:"genesis"`
}

// Heartbeat handles POST /heartbeat/{name}.
func (s *Server) Heartbeat(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var body heartbeatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
	}

	reply, found := s.ctrl.Heartbeat(name, supervisor.HeartbeatMsg{
		CookieExec: body.CookieExec,
		CookieData: body.CookieData,
		Genesis:    body.Genesis,
	})
	if !found {
		http.Error(w, "unknown node", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if reply == nil {
		_, _ = w.Write([]byte("{}"))
		return
	}
	_ = json.NewEncoder(w).Encode(reply)
}

// ServeFile handles GET /files/{name}/{path}. It resolves the requested
// path by joining and cleaning it, then verifying the result is still
// contained within the node's files directory before any filesystem
// read.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reqPath := r.PathValue("path")

	node, ok := s.ctrl.Node(name)
	if !ok {
		http.Error(w, "unknown node", http.StatusNotFound)
		return
	}

	full, err := resolveContainedPath(node.FilesDir, reqPath)
	if err != nil {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}

	if _, err := os.Stat(full); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	http.ServeFile(w, r, full)
}

// resolveContainedPath joins base and rel, cleans the result, and
// verifies it is still contained within base via filepath.Rel, which
// subsumes a purely lexical ".." scan. No filesystem access happens
// here.
func resolveContainedPath(base, rel string) (string, error) {
	joined := filepath.Join(base, rel)
	cleanBase := filepath.Clean(base)

	relToBase, err := filepath.Rel(cleanBase, joined)
	if err != nil {
		return "", ErrInvalidFilename
	}
	if relToBase == ".." || strings.HasPrefix(relToBase, ".."+string(filepath.Separator)) {
		return "", ErrInvalidFilename
	}

	return joined, nil
}
