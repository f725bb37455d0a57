package protocol

import (
	"encoding/json"
	"fmt"
)

// Closed engine error codes. The recoverable flag travels alongside the code
// so the native side never has to guess whether a retry path exists.
type ErrorCode string

const (
	ErrCodeCameraDenied     ErrorCode = "CAMERA_PERMISSION_DENIED"
	ErrCodeTrackingLost     ErrorCode = "TRACKING_LOST"
	ErrCodeSessionFailed    ErrorCode = "SESSION_FAILED"
	ErrCodeModelLoadFailed  ErrorCode = "MODEL_LOAD_FAILED"
	ErrCodeAnchorFailed     ErrorCode = "ANCHOR_FAILED"
	ErrCodeScanTooFewPhotos ErrorCode = "SCAN_TOO_FEW_PHOTOS"
	ErrCodeScanProcessing   ErrorCode = "SCAN_PROCESSING_FAILED"
	ErrCodeInternal         ErrorCode = "INTERNAL"
)

type TrackingQuality string

const (
	TrackingNotAvailable TrackingQuality = "notAvailable"
	TrackingLimited      TrackingQuality = "limited"
	TrackingNormal       TrackingQuality = "normal"
)

type AnchorType string

const (
	AnchorVPS            AnchorType = "VPS"
	AnchorDeviceRelative AnchorType = "DeviceRelative"
	AnchorManual         AnchorType = "Manual"
)

type PhotoQuality string

const (
	PhotoGood        PhotoQuality = "good"
	PhotoBlur        PhotoQuality = "blur"
	PhotoDark        PhotoQuality = "dark"
	PhotoOverexposed PhotoQuality = "overexposed"
)

// Capabilities is reported once by the engine on AR_READY.
type Capabilities struct {
	HasLiDAR               bool `json:"hasLidar"`
	SupportsVPS            bool `json:"supportsVps"`
	SupportsPeopleOcclusion bool `json:"supportsPeopleOcclusion"`
	MaxTextureSize         int  `json:"maxTextureSize"`
}

// Native -> engine payloads.

type InitARPayload struct {
	RequestVPS bool `json:"requestVps"`
}

type LoadModelPayload struct {
	ObjectID  ObjectID  `json:"objectId"`
	ModelID   ModelID   `json:"modelId"`
	GLBBase64 string    `json:"glbBase64"`
	Transform Transform `json:"transform"`
}

type RemoveModelPayload struct {
	ObjectID ObjectID `json:"objectId"`
}

type UpdateTransformPayload struct {
	ObjectID  ObjectID  `json:"objectId"`
	Transform Transform `json:"transform"`
}

type CaptureScenePayload struct {
	IncludeScreenshot bool `json:"includeScreenshot"`
	RequestAnchor     bool `json:"requestAnchor"`
}

type SceneObjectRef struct {
	ObjectID  ObjectID  `json:"objectId"`
	ModelID   ModelID   `json:"modelId"`
	Transform Transform `json:"transform"`
}

type ModelBlob struct {
	ModelID   ModelID `json:"modelId"`
	GLBBase64 string  `json:"glbBase64"`
}

type RestoreScenePayload struct {
	SceneID    SceneID          `json:"sceneId"`
	AnchorID   string           `json:"anchorId,omitempty"`
	AnchorType AnchorType       `json:"anchorType"`
	Objects    []SceneObjectRef `json:"objects"`
	Models     []ModelBlob      `json:"models"`
}

type StartScanPayload struct {
	SessionID        ScanSessionID `json:"sessionId"`
	TargetPhotoCount int           `json:"targetPhotoCount"`
}

type ScanSessionRef struct {
	SessionID ScanSessionID `json:"sessionId"`
}

// Engine -> native payloads. Each response payload echoes the originating
// messageId in ReplyTo; older engine builds leave it empty.

type ARReadyPayload struct {
	ReplyTo      string       `json:"replyTo,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

type ARErrorPayload struct {
	ReplyTo     string    `json:"replyTo,omitempty"`
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

type SurfaceDetectedPayload struct {
	Detected   bool    `json:"detected"`
	PlaneCount int     `json:"planeCount"`
	TotalArea  float64 `json:"totalAreaM2"`
}

type ModelPlacedPayload struct {
	ReplyTo   string    `json:"replyTo,omitempty"`
	ObjectID  ObjectID  `json:"objectId"`
	ModelID   ModelID   `json:"modelId"`
	Transform Transform `json:"transform"`
}

type ModelErrorPayload struct {
	ReplyTo     string    `json:"replyTo,omitempty"`
	ModelID     ModelID   `json:"modelId"`
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

type TransformUpdatedPayload struct {
	ReplyTo   string    `json:"replyTo,omitempty"`
	ObjectID  ObjectID  `json:"objectId"`
	Transform Transform `json:"transform"`
}

type SceneCapturedPayload struct {
	ReplyTo          string           `json:"replyTo,omitempty"`
	Objects          []SceneObjectRef `json:"objects"`
	ScreenshotBase64 string           `json:"screenshotBase64,omitempty"`
	AnchorID         string           `json:"anchorId,omitempty"`
	AnchorType       AnchorType       `json:"anchorType"`
}

type SceneRestoredPayload struct {
	ReplyTo         string     `json:"replyTo,omitempty"`
	RestoredObjects []ObjectID `json:"restoredObjects"`
	FailedModelIDs  []ModelID  `json:"failedModelIds"`
	UsedVPSAnchor   bool       `json:"usedVpsAnchor"`
}

type ScanPhotoCapturedPayload struct {
	ReplyTo   string        `json:"replyTo,omitempty"`
	SessionID ScanSessionID `json:"sessionId"`
	PhotoID   PhotoID       `json:"photoId"`
	Angle     float64       `json:"angle"`
	Quality   PhotoQuality  `json:"quality"`
	Timestamp int64         `json:"timestamp"`
	// JPEG bytes of the captured frame, persisted to temp storage on the
	// native side for crash recovery.
	JPEGBase64 string `json:"jpegBase64,omitempty"`
}

type ScanProgressPayload struct {
	SessionID  ScanSessionID `json:"sessionId"`
	Coverage   float64       `json:"coverage"`
	PhotoCount int           `json:"photoCount"`
}

type ScanCompletePayload struct {
	ReplyTo     string        `json:"replyTo,omitempty"`
	SessionID   ScanSessionID `json:"sessionId"`
	ModelBase64 string        `json:"modelBase64"`
	BoundingBox BoundingBox   `json:"boundingBox"`
	VertexCount int           `json:"vertexCount"`
}

type ScanFailedPayload struct {
	ReplyTo     string        `json:"replyTo,omitempty"`
	SessionID   ScanSessionID `json:"sessionId"`
	Code        ErrorCode     `json:"code"`
	Message     string        `json:"message"`
	Recoverable bool          `json:"recoverable"`
}

type TrackingStatePayload struct {
	State         TrackingQuality `json:"state"`
	LimitedReason string          `json:"limitedReason,omitempty"`
}

// DecodeInbound unmarshals an engine envelope into its typed payload. The
// switch is exhaustive over the engine-to-native vocabulary; unknown types
// are an error so callers never work with an unchecked cast.
func DecodeInbound(env Envelope) (interface{}, error) {
	var (
		payload interface{}
		err     error
	)

	switch env.Type {
	case ARReady:
		p := ARReadyPayload{}
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case ARError:
		p := ARErrorPayload{}
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case SurfaceDetected:
		p := SurfaceDetectedPayload{}
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case ModelPlaced:
		p := ModelPlacedPayload{}
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case ModelError:
		p := ModelErrorPayload{}
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case TransformUpdated:
		p := TransformUpdatedPayload{}
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case SceneCaptured:
		p := SceneCapturedPayload{}
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case SceneRestored:
		p := SceneRestoredPayload{}
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case ScanPhotoCaptured:
		p := ScanPhotoCapturedPayload{}
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case ScanProgress:
		p := ScanProgressPayload{}
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case ScanComplete:
		p := ScanCompletePayload{}
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case ScanFailed:
		p := ScanFailedPayload{}
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case TrackingState:
		p := TrackingStatePayload{}
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	default:
		return nil, fmt.Errorf("unknown engine message type %q", env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
	}
	return payload, nil
}
