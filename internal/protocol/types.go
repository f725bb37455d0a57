package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies an envelope crossing the native/engine boundary.
// The native-to-engine and engine-to-native vocabularies are disjoint.
type MessageType string

// Native -> engine
const (
	InitAR           MessageType = "INIT_AR"
	LoadModel        MessageType = "LOAD_MODEL"
	RemoveModel      MessageType = "REMOVE_MODEL"
	UpdateTransform  MessageType = "UPDATE_TRANSFORM"
	CaptureScene     MessageType = "CAPTURE_SCENE"
	RestoreScene     MessageType = "RESTORE_SCENE"
	StartScan        MessageType = "START_SCAN"
	CaptureScanPhoto MessageType = "CAPTURE_SCAN_PHOTO"
	EndScan          MessageType = "END_SCAN"
	CancelScan       MessageType = "CANCEL_SCAN"
	ResetAR          MessageType = "RESET_AR"
	PauseAR          MessageType = "PAUSE_AR"
	ResumeAR         MessageType = "RESUME_AR"
)

// Engine -> native
const (
	ARReady           MessageType = "AR_READY"
	ARError           MessageType = "AR_ERROR"
	SurfaceDetected   MessageType = "SURFACE_DETECTED"
	ModelPlaced       MessageType = "MODEL_PLACED"
	ModelError        MessageType = "MODEL_ERROR"
	TransformUpdated  MessageType = "TRANSFORM_UPDATED"
	SceneCaptured     MessageType = "SCENE_CAPTURED"
	SceneRestored     MessageType = "SCENE_RESTORED"
	ScanPhotoCaptured MessageType = "SCAN_PHOTO_CAPTURED"
	ScanProgress      MessageType = "SCAN_PROGRESS"
	ScanComplete      MessageType = "SCAN_COMPLETE"
	ScanFailed        MessageType = "SCAN_FAILED"
	TrackingState     MessageType = "TRACKING_STATE"
)

var outboundTypes = map[MessageType]bool{
	InitAR:           true,
	LoadModel:        true,
	RemoveModel:      true,
	UpdateTransform:  true,
	CaptureScene:     true,
	RestoreScene:     true,
	StartScan:        true,
	CaptureScanPhoto: true,
	EndScan:          true,
	CancelScan:       true,
	ResetAR:          true,
	PauseAR:          true,
	ResumeAR:         true,
}

var inboundTypes = map[MessageType]bool{
	ARReady:           true,
	ARError:           true,
	SurfaceDetected:   true,
	ModelPlaced:       true,
	ModelError:        true,
	TransformUpdated:  true,
	SceneCaptured:     true,
	SceneRestored:     true,
	ScanPhotoCaptured: true,
	ScanProgress:      true,
	ScanComplete:      true,
	ScanFailed:        true,
	TrackingState:     true,
}

// IsOutbound reports whether t belongs to the native-to-engine vocabulary.
func (t MessageType) IsOutbound() bool { return outboundTypes[t] }

// IsInbound reports whether t belongs to the engine-to-native vocabulary.
func (t MessageType) IsInbound() bool { return inboundTypes[t] }

// Envelope is the message unit crossing the boundary. Envelopes are
// immutable once sent; the payload is kept raw until a handler decodes it.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	MessageID string          `json:"messageId"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope builds an envelope stamped with the given message ID and the
// current wall clock in epoch milliseconds.
func NewEnvelope(t MessageType, payload interface{}, messageID string) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	if payload == nil {
		raw = json.RawMessage(`{}`)
	}
	return Envelope{
		Type:      t,
		Payload:   raw,
		MessageID: messageID,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// ReplyTo extracts the echoed origin message ID from a response payload.
// Engine responses carry a replyTo field; an empty string means the engine
// build does not echo IDs and correlation falls back to response type.
func (e Envelope) ReplyTo() string {
	var probe struct {
		ReplyTo string `json:"replyTo"`
	}
	if err := json.Unmarshal(e.Payload, &probe); err != nil {
		return ""
	}
	return probe.ReplyTo
}
