package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tabular/ar-preview/internal/arsession"
	"github.com/tabular/ar-preview/internal/bridge"
	"github.com/tabular/ar-preview/internal/config"
	"github.com/tabular/ar-preview/internal/index"
	"github.com/tabular/ar-preview/internal/logging"
	"github.com/tabular/ar-preview/internal/protocol"
	"github.com/tabular/ar-preview/internal/scan"
)

// StaticPermissions is the daemon's permission provider. On-device builds
// replace it with the platform prompt flow.
type StaticPermissions struct {
	Camera bool
}

func (p StaticPermissions) CameraGranted() bool { return p.Camera }

type Service struct {
	config      *config.Config
	logger      *logging.Logger
	upgrader    websocket.Upgrader
	bridge      *bridge.Bridge
	session     *arsession.Session
	indexMgr    *index.Manager
	files       index.FileProvider
	permissions index.PermissionProvider
	StartTime   time.Time

	engineMu       sync.Mutex
	engineAttached bool
	engineAddr     string

	scanMu      sync.Mutex
	currentScan *scan.Session
}

func NewService(cfg *config.Config, logger *logging.Logger, b *bridge.Bridge, session *arsession.Session, indexMgr *index.Manager, files index.FileProvider, permissions index.PermissionProvider) *Service {
	return &Service{
		config: cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local development
			},
		},
		bridge:      b,
		session:     session,
		indexMgr:    indexMgr,
		files:       files,
		permissions: permissions,
		StartTime:   time.Now(),
	}
}

func (s *Service) Handler() http.Handler {
	router := mux.NewRouter()

	// Health check
	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Engine surface endpoint
	router.HandleFunc("/ws/engine", s.handleEngineSocket).Methods("GET")

	// Stats endpoint
	router.HandleFunc("/stats", s.handleStats).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	// AR session lifecycle
	api.HandleFunc("/session", s.handleGetSession).Methods("GET")
	api.HandleFunc("/session/init", s.handleInitSession).Methods("POST")
	api.HandleFunc("/session/pause", s.handlePauseSession).Methods("POST")
	api.HandleFunc("/session/resume", s.handleResumeSession).Methods("POST")
	api.HandleFunc("/session/reset", s.handleResetSession).Methods("POST")

	// Placement workflow
	api.HandleFunc("/session/placements", s.handleStartPlacing).Methods("POST")
	api.HandleFunc("/session/placements/confirm", s.handleConfirmPlacement).Methods("POST")
	api.HandleFunc("/session/placements/cancel", s.handleCancelPlacement).Methods("POST")
	api.HandleFunc("/session/objects", s.handlePlaceObject).Methods("POST")
	api.HandleFunc("/session/objects/{object_id}", s.handleRemoveObject).Methods("DELETE")
	api.HandleFunc("/session/objects/{object_id}/transform", s.handleUpdateTransform).Methods("PUT")

	// Scenes
	api.HandleFunc("/scenes", s.handleListScenes).Methods("GET")
	api.HandleFunc("/scenes", s.handleCaptureScene).Methods("POST")
	api.HandleFunc("/scenes/{scene_id}", s.handleGetScene).Methods("GET")
	api.HandleFunc("/scenes/{scene_id}", s.handleDeleteScene).Methods("DELETE")
	api.HandleFunc("/scenes/{scene_id}/restore", s.handleRestoreScene).Methods("POST")

	// Model library
	api.HandleFunc("/models", s.handleListModels).Methods("GET")
	api.HandleFunc("/models/{model_id}", s.handleGetModel).Methods("GET")
	api.HandleFunc("/models/{model_id}", s.handleDeleteModel).Methods("DELETE")

	// Scanning
	api.HandleFunc("/scan", s.handleStartScan).Methods("POST")
	api.HandleFunc("/scan", s.handleGetScan).Methods("GET")
	api.HandleFunc("/scan/photos", s.handleScanPhoto).Methods("POST")
	api.HandleFunc("/scan/finish", s.handleFinishScan).Methods("POST")
	api.HandleFunc("/scan/cancel", s.handleCancelScan).Methods("POST")

	// Settings
	api.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings", s.handlePutSettings).Methods("PUT")
	api.HandleFunc("/settings/onboarding", s.handleOnboarding).Methods("POST")

	// Request logging middleware
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.logger.Info("HTTP request",
				"method", r.Method,
				"url", r.URL.String(),
				"duration", time.Since(start).String(),
				"remote_addr", r.RemoteAddr,
			)
		})
	})

	// Enable CORS. Wraps the router directly because mux middleware only runs
	// on matched routes, which would skip OPTIONS preflight requests.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		router.ServeHTTP(w, r)
	})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, index.ErrQuotaExceeded):
		status = http.StatusConflict
	case errors.Is(err, index.ErrNameTaken):
		status = http.StatusConflict
	case errors.Is(err, index.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, index.ErrBundledImmutable):
		status = http.StatusForbidden
	case errors.Is(err, index.ErrCorrupted):
		status = http.StatusInternalServerError
	case errors.Is(err, bridge.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, bridge.ErrDetached):
		status = http.StatusServiceUnavailable
	default:
		var engineErr *bridge.EngineError
		if errors.As(err, &engineErr) {
			status = http.StatusBadGateway
		}
	}
	s.writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.engineMu.Lock()
	attached := s.engineAttached
	s.engineMu.Unlock()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().Format(time.RFC3339),
		"uptime":          time.Since(s.StartTime).String(),
		"engine_attached": attached,
		"session_state":   s.session.State(),
	})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	s.engineMu.Lock()
	attached := s.engineAttached
	addr := s.engineAddr
	s.engineMu.Unlock()

	snapshot := s.session.Snapshot()

	stats := map[string]interface{}{
		"service_uptime":   time.Since(s.StartTime).String(),
		"engine_attached":  attached,
		"engine_addr":      addr,
		"pending_requests": s.bridge.PendingCount(),
		"session_state":    snapshot.State,
		"placed_objects":   len(snapshot.Objects),
	}

	s.scanMu.Lock()
	if s.currentScan != nil {
		stats["scan_status"] = s.currentScan.Status()
	}
	s.scanMu.Unlock()

	s.writeJSON(w, http.StatusOK, stats)
}

// handleEngineSocket terminates the engine surface. Exactly one engine may
// be attached; a second connection is refused so the bridge never has an
// ambiguous transport target.
func (s *Service) handleEngineSocket(w http.ResponseWriter, r *http.Request) {
	s.engineMu.Lock()
	if s.engineAttached {
		s.engineMu.Unlock()
		http.Error(w, "engine surface already attached", http.StatusConflict)
		return
	}
	s.engineAttached = true
	s.engineAddr = r.RemoteAddr
	s.engineMu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		s.engineMu.Lock()
		s.engineAttached = false
		s.engineAddr = ""
		s.engineMu.Unlock()
		return
	}

	s.bridge.Attach(&wsSurface{conn: conn})
	s.logger.Info("Engine connected", "remote_addr", r.RemoteAddr)

	defer func() {
		s.bridge.Detach()
		conn.Close()
		s.engineMu.Lock()
		s.engineAttached = false
		s.engineAddr = ""
		s.engineMu.Unlock()
		s.logger.Info("Engine disconnected", "remote_addr", r.RemoteAddr)
	}()

	// Single read loop: inbound dispatch is strictly sequential.
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket read error", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			s.logger.Debug("Ignoring non-text engine frame", "message_type", messageType)
			continue
		}
		s.bridge.HandleInbound(data)
	}
}

// AR session handlers

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snapshot := s.session.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":          snapshot,
		"can_place_object": s.session.CanPlaceObject(),
	})
}

func (s *Service) handleInitSession(w http.ResponseWriter, r *http.Request) {
	if !s.permissions.CameraGranted() {
		s.writeJSON(w, http.StatusForbidden, map[string]interface{}{"error": "camera permission not granted"})
		return
	}
	if err := s.session.Initialize(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.indexMgr.TouchLastARSession(time.Now()); err != nil {
		s.logger.Warn("Failed to record AR session timestamp", "error", err)
	}
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Service) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Pause(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Service) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Resume(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Service) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reset(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

// Placement handlers

func (s *Service) handleStartPlacing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModelID protocol.ModelID `json:"model_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
		return
	}
	if err := s.session.StartPlacing(req.ModelID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Service) handleConfirmPlacement(w http.ResponseWriter, r *http.Request) {
	s.session.ConfirmPlacement()
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Service) handleCancelPlacement(w http.ResponseWriter, r *http.Request) {
	s.session.CancelPlacement()
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Service) handlePlaceObject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Transform protocol.Transform `json:"transform"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
		return
	}
	obj, err := s.session.PlaceObject(r.Context(), req.Transform)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, obj)
}

func (s *Service) handleRemoveObject(w http.ResponseWriter, r *http.Request) {
	objectID := protocol.ObjectID(mux.Vars(r)["object_id"])
	if err := s.session.RemoveObject(r.Context(), objectID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleUpdateTransform(w http.ResponseWriter, r *http.Request) {
	objectID := protocol.ObjectID(mux.Vars(r)["object_id"])
	var req struct {
		Transform protocol.Transform `json:"transform"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
		return
	}
	if err := s.session.UpdateObjectTransform(r.Context(), objectID, req.Transform); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Scene handlers

func (s *Service) handleListScenes(w http.ResponseWriter, r *http.Request) {
	idx, err := s.indexMgr.GetSceneIndex()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, idx)
}

func (s *Service) handleCaptureScene(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
		return
	}
	scene, err := s.session.CaptureScene(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, scene)
}

func (s *Service) handleGetScene(w http.ResponseWriter, r *http.Request) {
	sceneID := protocol.SceneID(mux.Vars(r)["scene_id"])
	scene, err := s.indexMgr.GetScene(sceneID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scene)
}

func (s *Service) handleDeleteScene(w http.ResponseWriter, r *http.Request) {
	sceneID := protocol.SceneID(mux.Vars(r)["scene_id"])
	if err := s.indexMgr.RemoveScene(sceneID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleRestoreScene(w http.ResponseWriter, r *http.Request) {
	sceneID := protocol.SceneID(mux.Vars(r)["scene_id"])
	outcome, err := s.session.RestoreScene(r.Context(), sceneID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

// Model handlers

func (s *Service) handleListModels(w http.ResponseWriter, r *http.Request) {
	idx, err := s.indexMgr.GetModelIndex()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, idx)
}

func (s *Service) handleGetModel(w http.ResponseWriter, r *http.Request) {
	modelID := protocol.ModelID(mux.Vars(r)["model_id"])
	model, err := s.indexMgr.GetModel(modelID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, model)
}

func (s *Service) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	modelID := protocol.ModelID(mux.Vars(r)["model_id"])
	if err := s.indexMgr.RemoveModel(modelID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Scan handlers

func (s *Service) handleStartScan(w http.ResponseWriter, r *http.Request) {
	if !s.permissions.CameraGranted() {
		s.writeJSON(w, http.StatusForbidden, map[string]interface{}{"error": "camera permission not granted"})
		return
	}

	s.scanMu.Lock()
	if s.currentScan != nil {
		status := s.currentScan.Status()
		if status == scan.StatusCapturing || status == scan.StatusProcessing || status == scan.StatusPreparing {
			s.scanMu.Unlock()
			s.writeJSON(w, http.StatusConflict, map[string]interface{}{"error": "a scan is already in progress"})
			return
		}
		s.currentScan.Unwire()
	}

	session := scan.NewSession(s.bridge, s.files, s.indexMgr, s.logger, s.config.ScanBucketWidth)
	session.Wire(s.bridge.Registry())
	s.currentScan = session
	s.scanMu.Unlock()

	if err := session.Begin(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, session.Snapshot())
}

func (s *Service) currentScanSession() *scan.Session {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	return s.currentScan
}

func (s *Service) handleGetScan(w http.ResponseWriter, r *http.Request) {
	session := s.currentScanSession()
	if session == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "no scan session"})
		return
	}
	s.writeJSON(w, http.StatusOK, session.Snapshot())
}

func (s *Service) handleScanPhoto(w http.ResponseWriter, r *http.Request) {
	session := s.currentScanSession()
	if session == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "no scan session"})
		return
	}
	if err := session.RequestPhoto(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, session.Snapshot())
}

func (s *Service) handleFinishScan(w http.ResponseWriter, r *http.Request) {
	session := s.currentScanSession()
	if session == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "no scan session"})
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
		return
	}
	if req.Name == "" {
		req.Name = fmt.Sprintf("Scan %s", time.Now().Format("2006-01-02 15:04"))
	}
	if err := session.Finish(r.Context(), req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, session.Snapshot())
}

func (s *Service) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	session := s.currentScanSession()
	if session == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "no scan session"})
		return
	}
	if err := session.Cancel(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	session.Unwire()
	s.writeJSON(w, http.StatusOK, session.Snapshot())
}

// Settings handlers

func (s *Service) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.indexMgr.GetSettings()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Service) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings index.AppSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
		return
	}
	if settings.Version == 0 {
		settings.Version = 1
	}
	if err := s.indexMgr.PutSettings(settings); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Service) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	if err := s.indexMgr.SetOnboardingComplete(true); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
