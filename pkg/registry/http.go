package registry

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/onecompany/gpt/internal/gpterrors"
)

// Server exposes the registry's RPCs over HTTP. Node- and manager-facing
// routes are wrapped in the signature-verification middleware (auth.go);
// only provisioning lookups, the policy read, and the health check are
// anonymously callable.
type Server struct {
	registry *Registry
	log      zerolog.Logger
}

// NewServer builds the mux.Router for the registry's RPC surface.
func NewServer(registry *Registry, log zerolog.Logger) http.Handler {
	s := &Server{registry: registry, log: log}
	router := mux.NewRouter()
	router.Use(s.correlationMiddleware)

	router.Handle("/v1/nodes", s.authed(s.handleCreateNode)).Methods(http.MethodPost)
	router.Handle("/v1/nodes", s.authed(s.handleListNodes)).Methods(http.MethodGet)
	router.Handle("/v1/nodes/{nodeID}/register", s.authed(s.handleRegister)).Methods(http.MethodPost)
	router.Handle("/v1/nodes/heartbeat", s.authed(s.handleHeartbeat)).Methods(http.MethodPost)
	router.Handle("/v1/nodes/unregister", s.authed(s.handleUnregister)).Methods(http.MethodPost)
	router.Handle("/v1/nodes/config", s.authed(s.handleGetNodeConfig)).Methods(http.MethodGet)
	router.HandleFunc("/v1/nodes/{nodeID}/provisioning", s.handleGetProvisioningInfo).Methods(http.MethodGet)
	router.HandleFunc("/v1/policy", s.handleGetPolicy).Methods(http.MethodGet)
	router.Handle("/v1/policy", s.authed(s.handleUpdatePolicy)).Methods(http.MethodPut)
	router.Handle("/v1/measurements", s.authed(s.handleAddMeasurement)).Methods(http.MethodPost)
	router.Handle("/v1/measurements/{hex}/status", s.authed(s.handleUpdateMeasurementStatus)).Methods(http.MethodPut)
	router.Handle("/v1/measurements/{hex}", s.authed(s.handleRemoveMeasurement)).Methods(http.MethodDelete)
	router.Handle("/v1/managers/claim", s.authed(s.handleClaimManagerRole)).Methods(http.MethodPost)
	router.Handle("/v1/managers", s.authed(s.handleAddManager)).Methods(http.MethodPost)
	router.Handle("/v1/managers/{principal}", s.authed(s.handleRemoveManager)).Methods(http.MethodDelete)
	router.HandleFunc("/v1/healthz", s.handleHealthz).Methods(http.MethodGet)
	return router
}

// correlationMiddleware assigns a request-scoped correlation ID, reusing
// an inbound X-Request-ID header when present so a caller-supplied trace
// ID survives the hop.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, req)
	})
}

type registerPayload struct {
	AttestationReport []byte `json:"attestation_report"`
	ArkDER            []byte `json:"ark_der"`
	AskDER            []byte `json:"ask_der"`
	VekDER            []byte `json:"vek_der"`
	Timestamp         int64  `json:"timestamp_unix_nano"`
	PublicKey         string `json:"public_key"`
}

func (s *Server) handleRegister(w http.ResponseWriter, req *http.Request) {
	nodeID, err := strconv.ParseUint(mux.Vars(req)["nodeID"], 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid node id")
		return
	}

	var payload registerPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	err = s.registry.RegisterNode(req.Context(), RegisterRequest{
		NodeID:            nodeID,
		CallerPrincipal:   callerPrincipal(req),
		AttestationReport: payload.AttestationReport,
		ArkDER:            payload.ArkDER,
		AskDER:            payload.AskDER,
		VekDER:            payload.VekDER,
		Timestamp:         time.Unix(0, payload.Timestamp),
		PublicKey:         payload.PublicKey,
	})
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	command, err := s.registry.Heartbeat(req.Context(), callerPrincipal(req), time.Now())
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"command": command.String()})
}

func (s *Server) handleUnregister(w http.ResponseWriter, req *http.Request) {
	if err := s.registry.Unregister(req.Context(), callerPrincipal(req)); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetNodeConfig(w http.ResponseWriter, req *http.Request) {
	cfg, err := s.registry.GetNodeConfig(req.Context(), callerPrincipal(req))
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleGetProvisioningInfo(w http.ResponseWriter, req *http.Request) {
	nodeID, err := strconv.ParseUint(mux.Vars(req)["nodeID"], 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	info, err := s.registry.GetProvisioningInfo(req.Context(), nodeID)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, req *http.Request) {
	policy, err := s.registry.store.GetPolicy(req.Context())
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

type createNodePayload struct {
	Hostname          string `json:"hostname"`
	ModelID           string `json:"model_id"`
	EncryptedAPIKey   []byte `json:"encrypted_api_key"`
	ExpectedChipIDHex string `json:"expected_chip_id_hex"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, req *http.Request) {
	var payload createNodePayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	nodeID, err := s.registry.CreateNode(req.Context(), callerPrincipal(req), payload.Hostname,
		payload.ModelID, payload.EncryptedAPIKey, payload.ExpectedChipIDHex)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"node_id": nodeID})
}

func (s *Server) handleListNodes(w http.ResponseWriter, req *http.Request) {
	nodes, err := s.registry.ListNodesByOwner(req.Context(), callerPrincipal(req))
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

// requireManager checks the verified caller against the manager set,
// writing a 403 and returning false if the caller is not (or is not
// yet) a manager. Every mutation below (measurement allow-list, policy)
// is manager-gated.
func (s *Server) requireManager(w http.ResponseWriter, req *http.Request) bool {
	ok, err := s.registry.IsManager(req.Context(), callerPrincipal(req))
	if err != nil {
		s.writeRegistryError(w, err)
		return false
	}
	if !ok {
		writeJSONError(w, http.StatusForbidden, "caller is not a manager")
		return false
	}
	return true
}

type addMeasurementPayload struct {
	Hex    string            `json:"hex"`
	Name   string            `json:"name"`
	Status MeasurementStatus `json:"status"`
}

func (s *Server) handleAddMeasurement(w http.ResponseWriter, req *http.Request) {
	if !s.requireManager(w, req) {
		return
	}
	var payload addMeasurementPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.registry.AddMeasurement(req.Context(), payload.Hex, payload.Name, payload.Status, time.Now()); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type updateMeasurementStatusPayload struct {
	Status MeasurementStatus `json:"status"`
}

func (s *Server) handleUpdateMeasurementStatus(w http.ResponseWriter, req *http.Request) {
	if !s.requireManager(w, req) {
		return
	}
	hex := mux.Vars(req)["hex"]
	var payload updateMeasurementStatusPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.registry.UpdateMeasurementStatus(req.Context(), hex, payload.Status, time.Now()); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRemoveMeasurement(w http.ResponseWriter, req *http.Request) {
	if !s.requireManager(w, req) {
		return
	}
	if err := s.registry.RemoveMeasurement(req.Context(), mux.Vars(req)["hex"]); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, req *http.Request) {
	if !s.requireManager(w, req) {
		return
	}
	var payload AttestationPolicy
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.registry.UpdateAttestationPolicy(req.Context(), payload); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleClaimManagerRole(w http.ResponseWriter, req *http.Request) {
	if err := s.registry.ClaimManagerRole(req.Context(), callerPrincipal(req)); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type addManagerPayload struct {
	Target string `json:"target"`
}

func (s *Server) handleAddManager(w http.ResponseWriter, req *http.Request) {
	var payload addManagerPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.registry.AddManager(req.Context(), callerPrincipal(req), payload.Target); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRemoveManager(w http.ResponseWriter, req *http.Request) {
	target := mux.Vars(req)["principal"]
	if err := s.registry.RemoveManager(req.Context(), callerPrincipal(req), target); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch gpterrors.CategoryOf(err) {
	case gpterrors.CategoryPolicy:
		status = http.StatusForbidden
	case gpterrors.CategoryConfiguration:
		status = http.StatusBadRequest
	case gpterrors.CategoryAttestation:
		status = http.StatusUnprocessableEntity
	}
	if err == ErrNodeNotFound {
		status = http.StatusNotFound
	}
	s.log.Warn().Err(err).Int("status", status).Msg("registry RPC rejected")
	writeJSONError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
