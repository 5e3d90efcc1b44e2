package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mateo/fleet/internal/agent"
	"github.com/mateo/fleet/internal/alert"
	"github.com/mateo/fleet/internal/environment"
	"github.com/mateo/fleet/internal/orchestrator"
	"github.com/mateo/fleet/internal/placement"
	"github.com/mateo/fleet/internal/workflow"
)

// Server exposes the orchestrator and the agent registry over HTTP.
type Server struct {
	orch   *orchestrator.Manager
	agents *agent.Registry
	log    *zap.Logger
	mux    *http.ServeMux
}

func NewServer(orch *orchestrator.Manager, agents *agent.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		orch:   orch,
		agents: agents,
		log:    log.Named("api"),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handle mounts an extra handler, such as the agent gateway endpoint.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.log.Debug("Request served",
		zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("took", time.Since(start)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.HandleFunc("GET /agents", s.listAgents)
	s.mux.HandleFunc("GET /capacity", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.orch.Capacity())
	})
	s.mux.HandleFunc("GET /tunnels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.orch.Tunnels())
	})
	s.mux.HandleFunc("GET /alert-handlers", s.listAlertHandlers)

	s.mux.HandleFunc("GET /workflows", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.orch.ActiveWorkflows())
	})
	s.mux.HandleFunc("GET /workflows/{id}", s.getWorkflow)

	s.mux.HandleFunc("GET /environments", s.listEnvironments)
	s.mux.HandleFunc("POST /environments", s.createEnvironment)
	s.mux.HandleFunc("GET /environments/{id}", s.getEnvironment)
	s.mux.HandleFunc("DELETE /environments/{id}", s.destroyEnvironment)
	s.mux.HandleFunc("POST /environments/{id}/grow", s.growEnvironment)
	s.mux.HandleFunc("POST /environments/{id}/modify", s.modifyEnvironment)
	s.mux.HandleFunc("POST /environments/{id}/cancel", s.cancelWorkflow)

	s.mux.HandleFunc("DELETE /environments/{id}/containers/{cid}", s.destroyContainer)
	s.mux.HandleFunc("PUT /environments/{id}/containers/{cid}/hostname", s.changeHostname)
	s.mux.HandleFunc("POST /environments/{id}/containers/{cid}/tunnel", s.setupTunnel)
	s.mux.HandleFunc("GET /environments/{id}/containers/{cid}/domain", s.containerDomain)
	s.mux.HandleFunc("PUT /environments/{id}/containers/{cid}/domain", s.addToDomain)
	s.mux.HandleFunc("DELETE /environments/{id}/containers/{cid}/domain", s.removeFromDomain)
	s.mux.HandleFunc("DELETE /environments/{id}/peers/{peer}", s.excludePeer)

	s.mux.HandleFunc("GET /environments/{id}/ssh-keys", s.listSSHKeys)
	s.mux.HandleFunc("POST /environments/{id}/ssh-keys", s.addSSHKey)
	s.mux.HandleFunc("POST /environments/{id}/ssh-keys/remove", s.removeSSHKey)
	s.mux.HandleFunc("PUT /environments/{id}/p2p-secret", s.resetP2PSecret)

	s.mux.HandleFunc("GET /environments/{id}/domain", s.getDomain)
	s.mux.HandleFunc("PUT /environments/{id}/domain", s.assignDomain)
	s.mux.HandleFunc("DELETE /environments/{id}/domain", s.removeDomain)

	s.mux.HandleFunc("GET /environments/{id}/monitoring", s.listMonitoring)
	s.mux.HandleFunc("POST /environments/{id}/monitoring", s.startMonitoring)
	s.mux.HandleFunc("POST /environments/{id}/monitoring/stop", s.stopMonitoring)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	var agents []agent.Agent
	switch r.URL.Query().Get("kind") {
	case "host":
		agents = s.agents.PhysicalAgents()
	case "container":
		agents = s.agents.ContainerAgents()
	default:
		agents = s.agents.Agents()
	}
	if parent := r.URL.Query().Get("parent"); parent != "" {
		agents = s.agents.ContainerAgentsByParentHostname(parent)
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) listAlertHandlers(w http.ResponseWriter, r *http.Request) {
	handlers := s.orch.AlertHandlers()
	keys := make([]alertKey, 0, len(handlers))
	for _, h := range handlers {
		keys = append(keys, alertKey{HandlerID: h.ID(), Priority: h.Priority().String()})
	}
	writeJSON(w, http.StatusOK, keys)
}

type alertKey struct {
	HandlerID string `json:"handlerId"`
	Priority  string `json:"priority"`
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.orch.Workflow(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "workflow not found"})
		return
	}
	writeJSON(w, http.StatusOK, wf.Info())
}

func (s *Server) listEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.orch.Environments()
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

func (s *Server) getEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := s.orch.LoadEnvironment(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) createEnvironment(w http.ResponseWriter, r *http.Request) {
	var req CreateEnvironmentRequest
	if !decode(w, r, &req) {
		return
	}
	wf, err := s.orch.CreateEnvironment(r.Context(), req.Topology, req.Async)
	s.writeWorkflow(w, wf, err)
}

func (s *Server) destroyEnvironment(w http.ResponseWriter, r *http.Request) {
	wf, err := s.orch.DestroyEnvironment(r.Context(), r.PathValue("id"), asyncParam(r))
	s.writeWorkflow(w, wf, err)
}

func (s *Server) growEnvironment(w http.ResponseWriter, r *http.Request) {
	var req GrowEnvironmentRequest
	if !decode(w, r, &req) {
		return
	}
	wf, err := s.orch.GrowEnvironment(r.Context(), r.PathValue("id"), req.Topology, req.Async)
	s.writeWorkflow(w, wf, err)
}

func (s *Server) modifyEnvironment(w http.ResponseWriter, r *http.Request) {
	var req ModifyEnvironmentRequest
	if !decode(w, r, &req) {
		return
	}
	wf, err := s.orch.ModifyEnvironment(r.Context(), r.PathValue("id"), req.Topology, req.Remove, req.Resize, req.Async)
	s.writeWorkflow(w, wf, err)
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.orch.CancelEnvironmentWorkflow(r.PathValue("id")) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no active workflow"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) destroyContainer(w http.ResponseWriter, r *http.Request) {
	wf, err := s.orch.DestroyContainer(r.Context(), r.PathValue("id"), r.PathValue("cid"), asyncParam(r))
	s.writeWorkflow(w, wf, err)
}

func (s *Server) changeHostname(w http.ResponseWriter, r *http.Request) {
	var req HostnameRequest
	if !decode(w, r, &req) {
		return
	}
	wf, err := s.orch.ChangeContainerHostname(r.Context(), r.PathValue("cid"), r.PathValue("id"), req.Hostname, req.Async)
	s.writeWorkflow(w, wf, err)
}

func (s *Server) setupTunnel(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.SetupSshTunnelForContainer(r.Context(), r.PathValue("cid"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) containerDomain(w http.ResponseWriter, r *http.Request) {
	in, err := s.orch.IsContainerInEnvironmentDomain(r.PathValue("cid"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, DomainMembership{ContainerID: r.PathValue("cid"), InDomain: in})
}

func (s *Server) addToDomain(w http.ResponseWriter, r *http.Request) {
	wf, err := s.orch.AddContainerToEnvironmentDomain(r.Context(), r.PathValue("cid"), r.PathValue("id"), asyncParam(r))
	s.writeWorkflow(w, wf, err)
}

func (s *Server) removeFromDomain(w http.ResponseWriter, r *http.Request) {
	wf, err := s.orch.RemoveContainerFromEnvironmentDomain(r.Context(), r.PathValue("cid"), r.PathValue("id"), asyncParam(r))
	s.writeWorkflow(w, wf, err)
}

func (s *Server) excludePeer(w http.ResponseWriter, r *http.Request) {
	peer, err := uuid.Parse(r.PathValue("peer"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid peer id: %v", err)})
		return
	}
	wf, err := s.orch.ExcludePeerFromEnvironment(r.Context(), r.PathValue("id"), peer, asyncParam(r))
	s.writeWorkflow(w, wf, err)
}

func (s *Server) listSSHKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.orch.SshKeys(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) addSSHKey(w http.ResponseWriter, r *http.Request) {
	var req SSHKeyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RecordOnly {
		if err := s.orch.AddSshKeyToEnvironmentEntity(r.PathValue("id"), req.Key); err != nil {
			s.writeError(w, err, http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
		return
	}
	wf, err := s.orch.AddSshKey(r.Context(), r.PathValue("id"), req.Key, req.Async)
	s.writeWorkflow(w, wf, err)
}

func (s *Server) removeSSHKey(w http.ResponseWriter, r *http.Request) {
	var req SSHKeyRequest
	if !decode(w, r, &req) {
		return
	}
	wf, err := s.orch.RemoveSshKey(r.Context(), r.PathValue("id"), req.Key, req.Async)
	s.writeWorkflow(w, wf, err)
}

func (s *Server) resetP2PSecret(w http.ResponseWriter, r *http.Request) {
	var req P2PSecretRequest
	if !decode(w, r, &req) {
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	wf, err := s.orch.ResetP2PSecretKey(r.Context(), r.PathValue("id"), req.Secret, ttl, req.Async)
	s.writeWorkflow(w, wf, err)
}

func (s *Server) getDomain(w http.ResponseWriter, r *http.Request) {
	d, err := s.orch.EnvironmentDomain(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) assignDomain(w http.ResponseWriter, r *http.Request) {
	var req DomainRequest
	if !decode(w, r, &req) {
		return
	}
	wf, err := s.orch.AssignEnvironmentDomain(r.Context(), r.PathValue("id"), req.Domain, req.Strategy, req.CertPath, req.Async)
	s.writeWorkflow(w, wf, err)
}

func (s *Server) removeDomain(w http.ResponseWriter, r *http.Request) {
	wf, err := s.orch.RemoveEnvironmentDomain(r.Context(), r.PathValue("id"), asyncParam(r))
	s.writeWorkflow(w, wf, err)
}

func (s *Server) listMonitoring(w http.ResponseWriter, r *http.Request) {
	if _, err := s.orch.LoadEnvironment(r.PathValue("id")); err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.EnvironmentAlertHandlers(r.PathValue("id")))
}

func (s *Server) startMonitoring(w http.ResponseWriter, r *http.Request) {
	var req MonitoringRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.orch.StartMonitoring(req.HandlerID, req.Priority, r.PathValue("id")); err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) stopMonitoring(w http.ResponseWriter, r *http.Request) {
	var req MonitoringRequest
	if !decode(w, r, &req) {
		return
	}
	s.orch.StopMonitoring(req.HandlerID, req.Priority, r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

// writeWorkflow reports the outcome of an operation. A nil wf means the
// request was rejected before any workflow started. A wait cut short by the
// client is answered with 202 and the running workflow.
func (s *Server) writeWorkflow(w http.ResponseWriter, wf *workflow.Workflow, err error) {
	if wf == nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	info := wf.Info()
	if err != nil {
		if !info.State.Terminal() && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			writeJSON(w, http.StatusAccepted, WorkflowResponse{Workflow: info})
			return
		}
		writeJSON(w, statusFor(err, http.StatusInternalServerError), ErrorResponse{Error: err.Error(), Workflow: &info})
		return
	}

	resp := WorkflowResponse{Workflow: info}
	if !info.State.Terminal() {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	if env, ok := wf.Result().(*environment.Environment); ok {
		resp.Environment = env
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error, fallback int) {
	status := statusFor(err, fallback)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func statusFor(err error, fallback int) int {
	switch {
	case orchestrator.IsNotFound(err), errors.Is(err, orchestrator.ErrNoDomain), errors.Is(err, alert.ErrHandlerNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrConflict), errors.Is(err, workflow.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, placement.ErrNoCapacity), errors.Is(err, orchestrator.ErrAgentUnavailable):
		return http.StatusServiceUnavailable
	}
	return fallback
}

func asyncParam(r *http.Request) bool {
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	return async
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
