package arsession

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/tabular/ar-preview/internal/bridge"
	"github.com/tabular/ar-preview/internal/index"
	"github.com/tabular/ar-preview/internal/logging"
	"github.com/tabular/ar-preview/internal/protocol"
)

type State string

const (
	StateUninitialized   State = "uninitialized"
	StateInitializing    State = "initializing"
	StateReady           State = "ready"
	StateSurfaceDetected State = "surfaceDetected"
	StateError           State = "error"
	StatePaused          State = "paused"
)

type PlacementMode string

const (
	PlacementNone      PlacementMode = "none"
	PlacementPlacing   PlacementMode = "placing"
	PlacementAdjusting PlacementMode = "adjusting"
)

// Tracking is only meaningful while the session is Ready or SurfaceDetected.
type Tracking struct {
	Quality       protocol.TrackingQuality `json:"quality"`
	LimitedReason string                   `json:"limited_reason,omitempty"`
}

// EngineFault is the last engine-reported error held by the session.
type EngineFault struct {
	Code        protocol.ErrorCode `json:"code"`
	Message     string             `json:"message"`
	Recoverable bool               `json:"recoverable"`
}

// Requester is the slice of the bridge the session machine drives.
type Requester interface {
	Send(t protocol.MessageType, payload interface{}) (protocol.Envelope, error)
	SendAndWait(ctx context.Context, t protocol.MessageType, payload interface{}, expected protocol.MessageType, timeout time.Duration) (protocol.Envelope, error)
}

// Library is the slice of the index manager the session machine reads and
// writes.
type Library interface {
	GetModel(id protocol.ModelID) (index.Model, error)
	ModelBlob(id protocol.ModelID) ([]byte, error)
	TouchModel(id protocol.ModelID, at time.Time) error
	GetScene(id protocol.SceneID) (index.SavedScene, error)
	AddScene(scene index.SavedScene) error
}

// Session is the AR session state machine. Transitions are driven only by
// inbound engine events and explicit lifecycle calls; in-memory state is
// owned here exclusively and never persisted. Terminal artifacts (captured
// scenes) cross into the Library.
type Session struct {
	bridge  Requester
	library Library
	logger  *logging.Logger
	timeout time.Duration

	mu           sync.Mutex
	state        State
	initialized  bool // init completed at least once, decides Resume target
	capabilities *protocol.Capabilities
	tracking     Tracking
	fault        *EngineFault
	mode         PlacementMode
	pendingModel protocol.ModelID
	objects      []index.PlacedObject
	unsubs       []func()
}

func NewSession(b Requester, library Library, logger *logging.Logger, requestTimeout time.Duration) *Session {
	if requestTimeout <= 0 {
		requestTimeout = bridge.DefaultRequestTimeout
	}
	return &Session{
		bridge:  b,
		library: library,
		logger:  logger.With("component", "arsession"),
		timeout: requestTimeout,
		state:   StateUninitialized,
		tracking: Tracking{
			Quality: protocol.TrackingNotAvailable,
		},
		mode: PlacementNone,
	}
}

// Wire subscribes the session to the engine events that drive it.
func (s *Session) Wire(reg *bridge.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs,
		reg.On(protocol.ARReady, s.dispatch),
		reg.On(protocol.ARError, s.dispatch),
		reg.On(protocol.SurfaceDetected, s.dispatch),
		reg.On(protocol.TrackingState, s.dispatch),
		reg.On(protocol.ModelPlaced, s.dispatch),
		reg.On(protocol.ModelError, s.dispatch),
		reg.On(protocol.TransformUpdated, s.dispatch),
	)
}

// Unwire drops the session's subscriptions.
func (s *Session) Unwire() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (s *Session) dispatch(env protocol.Envelope) {
	decoded, err := protocol.DecodeInbound(env)
	if err != nil {
		s.logger.Warn("Dropping undecodable engine event", "type", env.Type, "error", err)
		return
	}
	switch p := decoded.(type) {
	case protocol.ARReadyPayload:
		s.handleReady(p)
	case protocol.ARErrorPayload:
		s.handleError(p)
	case protocol.SurfaceDetectedPayload:
		s.handleSurface(p)
	case protocol.TrackingStatePayload:
		s.handleTracking(p)
	case protocol.ModelPlacedPayload:
		s.handlePlaced(p)
	case protocol.ModelErrorPayload:
		s.handleModelError(p)
	case protocol.TransformUpdatedPayload:
		s.handleTransformUpdated(p)
	}
}

// Initialize starts the engine AR session and waits for AR_READY.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("arsession: cannot initialize from state %s", state)
	}
	s.state = StateInitializing
	s.mu.Unlock()

	_, err := s.bridge.SendAndWait(ctx, protocol.InitAR, protocol.InitARPayload{RequestVPS: true}, protocol.ARReady, s.timeout)
	if err != nil {
		s.mu.Lock()
		if s.state == StateInitializing {
			s.state = StateUninitialized
		}
		s.mu.Unlock()
		return fmt.Errorf("arsession: initialization failed: %w", err)
	}
	// handleReady ran during inbound dispatch before the wait resolved.
	return nil
}

func (s *Session) handleReady(p protocol.ARReadyPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInitializing {
		s.logger.Debug("Ignoring AR_READY outside initialization", "state", s.state)
		return
	}
	if s.capabilities == nil {
		caps := p.Capabilities
		s.capabilities = &caps
	}
	s.state = StateReady
	s.initialized = true
	s.fault = nil
	s.logger.Info("AR session ready",
		"lidar", p.Capabilities.HasLiDAR,
		"vps", p.Capabilities.SupportsVPS,
	)
}

func (s *Session) handleError(p protocol.ARErrorPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fault = &EngineFault{Code: p.Code, Message: p.Message, Recoverable: p.Recoverable}
	s.state = StateError
	s.logger.Error("Engine reported AR error",
		"code", p.Code,
		"recoverable", p.Recoverable,
		"message", p.Message,
	)
}

func (s *Session) handleSurface(p protocol.SurfaceDetectedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case p.Detected && s.state == StateReady:
		s.state = StateSurfaceDetected
		s.logger.Info("Surface detected", "planes", p.PlaneCount, "area_m2", p.TotalArea)
	case !p.Detected && s.state == StateSurfaceDetected:
		s.state = StateReady
		s.logger.Info("Surface lost")
	}
}

func (s *Session) handleTracking(p protocol.TrackingStatePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Tracking is only meaningful while the session is live.
	if s.state != StateReady && s.state != StateSurfaceDetected {
		return
	}
	s.tracking = Tracking{Quality: p.State, LimitedReason: p.LimitedReason}
}

// CanPlaceObject is a pure query: initialized, surface detected, no current
// error, placement mode None and room under the object cap.
func (s *Session) CanPlaceObject() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized &&
		s.state == StateSurfaceDetected &&
		s.fault == nil &&
		s.mode == PlacementNone &&
		len(s.objects) < index.MaxSceneObjects
}

// StartPlacing records the model the user wants to place and enters
// Placing mode.
func (s *Session) StartPlacing(modelID protocol.ModelID) error {
	if _, err := s.library.GetModel(modelID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !(s.initialized && s.state == StateSurfaceDetected && s.fault == nil && s.mode == PlacementNone && len(s.objects) < index.MaxSceneObjects) {
		return fmt.Errorf("arsession: placement unavailable (state=%s mode=%s objects=%d)", s.state, s.mode, len(s.objects))
	}

	s.mode = PlacementPlacing
	s.pendingModel = modelID
	return nil
}

// PlaceObject loads the pending model into the scene at the given
// transform. The 10 object cap is re-checked before any message crosses
// the boundary.
func (s *Session) PlaceObject(ctx context.Context, transform protocol.Transform) (index.PlacedObject, error) {
	if err := transform.Validate(); err != nil {
		return index.PlacedObject{}, err
	}

	s.mu.Lock()
	if s.mode != PlacementPlacing || s.pendingModel == "" {
		s.mu.Unlock()
		return index.PlacedObject{}, fmt.Errorf("arsession: no placement in progress")
	}
	if len(s.objects) >= index.MaxSceneObjects {
		s.mu.Unlock()
		return index.PlacedObject{}, fmt.Errorf("arsession: object cap of %d reached", index.MaxSceneObjects)
	}
	modelID := s.pendingModel
	s.mu.Unlock()

	blob, err := s.library.ModelBlob(modelID)
	if err != nil {
		return index.PlacedObject{}, err
	}

	objectID := protocol.NewObjectID()
	payload := protocol.LoadModelPayload{
		ObjectID:  objectID,
		ModelID:   modelID,
		GLBBase64: base64.StdEncoding.EncodeToString(blob),
		Transform: transform,
	}

	if _, err := s.bridge.SendAndWait(ctx, protocol.LoadModel, payload, protocol.ModelPlaced, s.timeout); err != nil {
		return index.PlacedObject{}, fmt.Errorf("arsession: placement failed: %w", err)
	}

	if err := s.library.TouchModel(modelID, time.Now()); err != nil {
		s.logger.Warn("Failed to touch model", "model_id", modelID, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.objects {
		if o.ObjectID == objectID {
			return o, nil
		}
	}
	// MODEL_PLACED handled before the wait resolved should have recorded it;
	// tolerate an engine that confirms without re-broadcasting.
	obj := index.PlacedObject{ObjectID: objectID, ModelID: modelID, Transform: transform, PlacedAt: time.Now()}
	s.objects = append(s.objects, obj)
	s.mode = PlacementNone
	s.pendingModel = ""
	return obj, nil
}

func (s *Session) handlePlaced(p protocol.ModelPlacedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.objects {
		if o.ObjectID == p.ObjectID {
			return
		}
	}
	if len(s.objects) >= index.MaxSceneObjects {
		s.logger.Warn("Engine placed object past the cap, ignoring", "object_id", p.ObjectID)
		return
	}
	s.objects = append(s.objects, index.PlacedObject{
		ObjectID:  p.ObjectID,
		ModelID:   p.ModelID,
		Transform: p.Transform,
		PlacedAt:  time.Now(),
	})
	// Engine confirmation completes the placement workflow.
	s.mode = PlacementNone
	s.pendingModel = ""
	s.logger.Info("Object placed", "object_id", p.ObjectID, "model_id", p.ModelID, "count", len(s.objects))
}

func (s *Session) handleModelError(p protocol.ModelErrorPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == PlacementPlacing && s.pendingModel == p.ModelID {
		s.mode = PlacementNone
		s.pendingModel = ""
	}
	s.logger.Error("Engine reported model error",
		"model_id", p.ModelID,
		"code", p.Code,
		"recoverable", p.Recoverable,
	)
}

func (s *Session) handleTransformUpdated(p protocol.TransformUpdatedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.objects {
		if s.objects[i].ObjectID == p.ObjectID {
			s.objects[i].Transform = p.Transform
			return
		}
	}
	s.logger.Debug("Transform update for unknown object", "object_id", p.ObjectID)
}

// ConfirmPlacement explicitly ends the placement workflow.
func (s *Session) ConfirmPlacement() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = PlacementNone
	s.pendingModel = ""
}

// CancelPlacement abandons the pending placement.
func (s *Session) CancelPlacement() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = PlacementNone
	s.pendingModel = ""
}

// UpdateObjectTransform moves, rotates or scales a placed object.
func (s *Session) UpdateObjectTransform(ctx context.Context, objectID protocol.ObjectID, transform protocol.Transform) error {
	if err := transform.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	found := false
	for _, o := range s.objects {
		if o.ObjectID == objectID {
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("arsession: object %s not placed", objectID)
	}

	payload := protocol.UpdateTransformPayload{ObjectID: objectID, Transform: transform}
	if _, err := s.bridge.SendAndWait(ctx, protocol.UpdateTransform, payload, protocol.TransformUpdated, s.timeout); err != nil {
		return fmt.Errorf("arsession: transform update failed: %w", err)
	}
	return nil
}

// RemoveObject removes a placed object from the scene.
func (s *Session) RemoveObject(ctx context.Context, objectID protocol.ObjectID) error {
	s.mu.Lock()
	pos := -1
	for i, o := range s.objects {
		if o.ObjectID == objectID {
			pos = i
			break
		}
	}
	if pos < 0 {
		s.mu.Unlock()
		return fmt.Errorf("arsession: object %s not placed", objectID)
	}
	s.objects = append(s.objects[:pos], s.objects[pos+1:]...)
	s.mu.Unlock()

	_, err := s.bridge.Send(protocol.RemoveModel, protocol.RemoveModelPayload{ObjectID: objectID})
	return err
}

// Pause suspends the session while the app is backgrounded.
func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateReady && s.state != StateSurfaceDetected && s.state != StateError {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("arsession: cannot pause from state %s", state)
	}
	s.state = StatePaused
	s.mu.Unlock()

	_, err := s.bridge.Send(protocol.PauseAR, nil)
	return err
}

// Resume returns from Paused, mirroring whether initialization had
// completed before the pause: to Ready if it had, to Uninitialized if not.
// Surfaces must be re-detected after a resume.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StatePaused {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("arsession: cannot resume from state %s", state)
	}
	if s.initialized {
		s.state = StateReady
	} else {
		s.state = StateUninitialized
	}
	s.tracking = Tracking{Quality: protocol.TrackingNotAvailable}
	s.mu.Unlock()

	_, err := s.bridge.Send(protocol.ResumeAR, nil)
	return err
}

// Reset tears the session down to its zero state, destroying all placed
// objects. Required after a non-recoverable engine error.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateUninitialized
	s.initialized = false
	s.capabilities = nil
	s.tracking = Tracking{Quality: protocol.TrackingNotAvailable}
	s.fault = nil
	s.mode = PlacementNone
	s.pendingModel = ""
	s.objects = nil
	s.mu.Unlock()

	_, err := s.bridge.Send(protocol.ResetAR, nil)
	s.logger.Info("AR session reset")
	return err
}

// Snapshot is a read-only view of the session for the API layer.
type Snapshot struct {
	State        State                  `json:"state"`
	Capabilities *protocol.Capabilities `json:"capabilities,omitempty"`
	Tracking     Tracking               `json:"tracking"`
	Fault        *EngineFault           `json:"fault,omitempty"`
	Mode         PlacementMode          `json:"placement_mode"`
	PendingModel protocol.ModelID       `json:"pending_model,omitempty"`
	Objects      []index.PlacedObject   `json:"objects"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	objects := make([]index.PlacedObject, len(s.objects))
	copy(objects, s.objects)

	return Snapshot{
		State:        s.state,
		Capabilities: s.capabilities,
		Tracking:     s.tracking,
		Fault:        s.fault,
		Mode:         s.mode,
		PendingModel: s.pendingModel,
		Objects:      objects,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
