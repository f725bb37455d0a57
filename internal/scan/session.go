package scan

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

type Status string

const (
	StatusPreparing  Status = "preparing"
	StatusCapturing  Status = "capturing"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

const (
	DefaultBucketWidth = 15

	// MinPhotosToProcess is the hard floor for entering Processing.
	// 25-40 photos is advisory only and never enforced.
	MinPhotosToProcess = 20
	MaxPhotos          = 40
)

type CapturedPhoto struct {
	PhotoID   protocol.PhotoID      `json:"photo_id"`
	Angle     float64               `json:"angle"`
	Quality   protocol.PhotoQuality `json:"quality"`
	Timestamp time.Time             `json:"timestamp"`
}

// Failure describes a terminal scan error. Recoverable failures permit a
// UI-level retry; non-recoverable ones require a fresh session.
type Failure struct {
	Code        protocol.ErrorCode `json:"code"`
	Message     string             `json:"message"`
	Recoverable bool               `json:"recoverable"`
}

// Sender is the outbound slice of the bridge the scan machine needs.
type Sender interface {
	Send(t protocol.MessageType, payload interface{}) (protocol.Envelope, error)
}

// Materializer turns a completed scan into a library model.
type Materializer interface {
	MaterializeScanResult(name string, blob, thumbnail []byte, box protocol.BoundingBox, vertexCount int) (index.Model, error)
}

// Session is the photogrammetry scan state machine. It lives in memory
// only; the session itself is never persisted, and only the photos already
// written under scan_sessions/{id}/ survive a crash for best-effort
// inspection. A finished session hands its model to the Materializer and is
// then discarded.
type Session struct {
	ID protocol.ScanSessionID

	sender       Sender
	files        index.FileProvider
	materializer Materializer
	logger       *logging.Logger

	mu        sync.Mutex
	status    Status
	photos    []CapturedPhoto
	coverage  *Coverage
	startedAt time.Time
	modelName string
	failure   *Failure
	result    *index.Model

	onComplete []func(index.Model)
	onFailed   []func(Failure)
	unsubs     []func()
}

func NewSession(sender Sender, files index.FileProvider, materializer Materializer, logger *logging.Logger, bucketWidth int) *Session {
	id := protocol.NewScanSessionID()
	s := &Session{
		ID:           id,
		sender:       sender,
		files:        files,
		materializer: materializer,
		logger:       logger.With("component", "scan", "session_id", id),
		status:       StatusPreparing,
		coverage:     NewCoverage(bucketWidth),
		startedAt:    time.Now(),
	}
	// Clear any leftover temp files from a crashed run under the same path.
	if err := files.RemoveDir(index.ScanSessionDir(id)); err != nil {
		s.logger.Warn("Failed to clear scan temp directory", "error", err)
	}
	return s
}

// OnComplete registers a callback fired when the scan materializes a model.
func (s *Session) OnComplete(fn func(index.Model)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, fn)
}

// OnFailed registers a callback fired on terminal failure.
func (s *Session) OnFailed(fn func(Failure)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailed = append(s.onFailed, fn)
}

// Wire subscribes the session to its inbound engine messages. Call Unwire
// when the session reaches a terminal state.
func (s *Session) Wire(reg *bridge.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs,
		reg.On(protocol.ScanPhotoCaptured, s.dispatch),
		reg.On(protocol.ScanProgress, s.dispatch),
		reg.On(protocol.ScanComplete, s.dispatch),
		reg.On(protocol.ScanFailed, s.dispatch),
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
		s.logger.Warn("Dropping undecodable scan message", "type", env.Type, "error", err)
		return
	}
	switch p := decoded.(type) {
	case protocol.ScanPhotoCapturedPayload:
		if p.SessionID == s.ID {
			s.HandlePhotoCaptured(p)
		}
	case protocol.ScanProgressPayload:
		if p.SessionID == s.ID {
			s.HandleProgress(p)
		}
	case protocol.ScanCompletePayload:
		if p.SessionID == s.ID {
			s.HandleComplete(p)
		}
	case protocol.ScanFailedPayload:
		if p.SessionID == s.ID {
			s.HandleFailed(p)
		}
	}
}

// Begin sends START_SCAN and moves the session into Capturing.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusPreparing {
		return fmt.Errorf("scan: cannot begin from status %s", s.status)
	}

	if _, err := s.sender.Send(protocol.StartScan, protocol.StartScanPayload{
		SessionID:        s.ID,
		TargetPhotoCount: MaxPhotos,
	}); err != nil {
		return err
	}

	s.status = StatusCapturing
	s.logger.Info("Scan session started")
	return nil
}

// RequestPhoto asks the engine to capture one more orbit photo. The 40
// photo cap is checked before any message is sent.
func (s *Session) RequestPhoto(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusCapturing {
		return fmt.Errorf("scan: cannot capture from status %s", s.status)
	}
	if len(s.photos) >= MaxPhotos {
		return fmt.Errorf("scan: photo cap of %d reached", MaxPhotos)
	}

	_, err := s.sender.Send(protocol.CaptureScanPhoto, protocol.ScanSessionRef{SessionID: s.ID})
	return err
}

// HandlePhotoCaptured appends an engine-confirmed photo, recomputes
// coverage and persists the frame to temp storage.
func (s *Session) HandlePhotoCaptured(p protocol.ScanPhotoCapturedPayload) {
	s.mu.Lock()
	if s.status != StatusCapturing || len(s.photos) >= MaxPhotos {
		s.mu.Unlock()
		s.logger.Debug("Ignoring photo outside capture window", "photo_id", p.PhotoID)
		return
	}

	photo := CapturedPhoto{
		PhotoID:   p.PhotoID,
		Angle:     normalizeAngle(p.Angle),
		Quality:   p.Quality,
		Timestamp: time.UnixMilli(p.Timestamp),
	}
	s.photos = append(s.photos, photo)
	s.coverage.Mark(photo.Angle)
	count := len(s.photos)
	coverage := s.coverage.Percent()
	s.mu.Unlock()

	if p.JPEGBase64 != "" {
		if data, err := base64.StdEncoding.DecodeString(p.JPEGBase64); err == nil {
			if err := s.files.Write(index.ScanPhotoPath(s.ID, p.PhotoID), data); err != nil {
				s.logger.Warn("Failed to persist scan photo", "photo_id", p.PhotoID, "error", err)
			}
		} else {
			s.logger.Warn("Scan photo payload is not valid base64", "photo_id", p.PhotoID)
		}
	}

	s.logger.Debug("Scan photo captured",
		"photo_id", p.PhotoID,
		"angle", photo.Angle,
		"quality", photo.Quality,
		"count", count,
		"coverage", coverage,
	)
}

// HandleProgress absorbs engine-side coverage updates. Progress arriving
// after a terminal state is ignored; ordering across the boundary is not
// guaranteed.
func (s *Session) HandleProgress(p protocol.ScanProgressPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusCapturing && s.status != StatusProcessing {
		return
	}
	s.logger.Debug("Scan progress", "engine_coverage", p.Coverage, "engine_photos", p.PhotoCount)
}

// Finish sends END_SCAN and moves to Processing. It enforces the 20 photo
// hard floor before sending anything. name becomes the materialized model's
// library name.
func (s *Session) Finish(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusCapturing {
		return fmt.Errorf("scan: cannot finish from status %s", s.status)
	}
	if len(s.photos) < MinPhotosToProcess {
		return fmt.Errorf("scan: %d photos captured, need at least %d", len(s.photos), MinPhotosToProcess)
	}

	if _, err := s.sender.Send(protocol.EndScan, protocol.ScanSessionRef{SessionID: s.ID}); err != nil {
		return err
	}

	s.modelName = name
	s.status = StatusProcessing
	s.logger.Info("Scan processing started", "photos", len(s.photos), "coverage", s.coverage.Percent())
	return nil
}

// HandleComplete materializes the reconstructed model and ends the session.
func (s *Session) HandleComplete(p protocol.ScanCompletePayload) {
	s.mu.Lock()
	if s.status != StatusProcessing {
		s.mu.Unlock()
		s.logger.Debug("Ignoring completion outside processing", "status", s.status)
		return
	}
	name := s.modelName
	s.mu.Unlock()

	blob, err := base64.StdEncoding.DecodeString(p.ModelBase64)
	if err != nil {
		s.fail(Failure{Code: protocol.ErrCodeScanProcessing, Message: "engine sent undecodable model payload", Recoverable: false})
		return
	}

	// Stage the transient result before touching the library, so a crash
	// mid-materialize leaves an inspectable artifact.
	if err := s.files.Write(index.ScanResultPath(s.ID), blob); err != nil {
		s.logger.Warn("Failed to stage scan result", "error", err)
	}

	var thumbnail []byte
	s.mu.Lock()
	if len(s.photos) > 0 {
		if data, err := s.files.Read(index.ScanPhotoPath(s.ID, s.photos[0].PhotoID)); err == nil {
			thumbnail = data
		}
	}
	s.mu.Unlock()

	model, err := s.materializer.MaterializeScanResult(name, blob, thumbnail, p.BoundingBox, p.VertexCount)
	if err != nil {
		s.logger.Error("Failed to materialize scan result", "error", err)
		s.fail(Failure{Code: protocol.ErrCodeScanProcessing, Message: err.Error(), Recoverable: true})
		return
	}

	s.mu.Lock()
	s.status = StatusComplete
	s.result = &model
	callbacks := append([]func(index.Model){}, s.onComplete...)
	s.mu.Unlock()

	s.cleanupTemp()
	s.logger.Info("Scan complete", "model_id", model.ID, "vertices", p.VertexCount)

	for _, fn := range callbacks {
		fn(model)
	}
}

// HandleFailed records an engine-reported scan failure.
func (s *Session) HandleFailed(p protocol.ScanFailedPayload) {
	s.mu.Lock()
	if s.status != StatusCapturing && s.status != StatusProcessing {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.fail(Failure{Code: p.Code, Message: p.Message, Recoverable: p.Recoverable})
}

func (s *Session) fail(f Failure) {
	s.mu.Lock()
	s.status = StatusFailed
	s.failure = &f
	callbacks := append([]func(Failure){}, s.onFailed...)
	s.mu.Unlock()

	s.logger.Error("Scan failed", "code", f.Code, "recoverable", f.Recoverable, "message", f.Message)
	for _, fn := range callbacks {
		fn(f)
	}
}

// Cancel stops the native side of the scan. Engine-side work already in
// flight is not aborted; its later results are simply ignored.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusCapturing && s.status != StatusProcessing {
		s.mu.Unlock()
		return fmt.Errorf("scan: cannot cancel from status %s", s.status)
	}
	s.status = StatusCancelled
	s.mu.Unlock()

	if _, err := s.sender.Send(protocol.CancelScan, protocol.ScanSessionRef{SessionID: s.ID}); err != nil {
		s.logger.Warn("Failed to notify engine of cancellation", "error", err)
	}

	s.cleanupTemp()
	s.logger.Info("Scan cancelled")
	return nil
}

func (s *Session) cleanupTemp() {
	if err := s.files.RemoveDir(index.ScanSessionDir(s.ID)); err != nil {
		s.logger.Warn("Failed to clean scan temp directory", "error", err)
	}
}

// Snapshot is a read-only view of the session for the API layer.
type Snapshot struct {
	SessionID     protocol.ScanSessionID `json:"session_id"`
	Status        Status                 `json:"status"`
	Photos        []CapturedPhoto        `json:"photos"`
	Coverage      float64                `json:"coverage"`
	MissingAngles [][2]float64           `json:"missing_angles"`
	StartedAt     time.Time              `json:"started_at"`
	Failure       *Failure               `json:"failure,omitempty"`
	Result        *index.Model           `json:"result,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	photos := make([]CapturedPhoto, len(s.photos))
	copy(photos, s.photos)

	return Snapshot{
		SessionID:     s.ID,
		Status:        s.status,
		Photos:        photos,
		Coverage:      s.coverage.Percent(),
		MissingAngles: s.coverage.MissingAngles(),
		StartedAt:     s.startedAt,
		Failure:       s.failure,
		Result:        s.result,
	}
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
