package index

import (
	"fmt"
	"time"

	"github.com/tabular/ar-preview/internal/protocol"
)

const (
	// Hard caps enforced at the mutation boundary.
	MaxModels       = 50
	MaxScenes       = 20
	MaxSceneObjects = 10

	MaxModelFileSize  = 50 << 20  // 50 MiB
	MaxThumbnailBytes = 500 << 10 // 500 KiB, decoded JPEG size

	minNameLen = 1
	maxNameLen = 100
)

type ModelCategory string

const (
	CategorySeating  ModelCategory = "seating"
	CategoryTables   ModelCategory = "tables"
	CategoryStorage  ModelCategory = "storage"
	CategoryLighting ModelCategory = "lighting"
	CategoryDecor    ModelCategory = "decor"
	CategoryScanned  ModelCategory = "scanned"
)

type ModelMetadata struct {
	FileSize          int64                `json:"file_size"`
	VertexCount       int                  `json:"vertex_count"`
	TextureResolution string               `json:"texture_resolution,omitempty"` // "WxH", empty when unknown
	HasAnimations     bool                 `json:"has_animations"`
	BoundingBox       protocol.BoundingBox `json:"bounding_box"`
	ContentHash       string               `json:"content_hash,omitempty"`
}

type Model struct {
	ID            protocol.ModelID `json:"id"`
	Name          string           `json:"name"`
	GLBPath       string           `json:"glb_path"`
	ThumbnailPath string           `json:"thumbnail_path"`
	Category      ModelCategory    `json:"category"`
	IsBundled     bool             `json:"is_bundled"`
	Metadata      ModelMetadata    `json:"metadata"`
	CreatedAt     time.Time        `json:"created_at"`
	LastUsedAt    time.Time        `json:"last_used_at"`
}

type PlacedObject struct {
	ObjectID  protocol.ObjectID  `json:"object_id"`
	ModelID   protocol.ModelID   `json:"model_id"`
	Transform protocol.Transform `json:"transform"`
	PlacedAt  time.Time          `json:"placed_at"`
}

type SavedScene struct {
	ID              protocol.SceneID    `json:"id"`
	Name            string              `json:"name"`
	ThumbnailBase64 string              `json:"thumbnail_base64,omitempty"`
	AnchorID        string              `json:"anchor_id,omitempty"`
	AnchorType      protocol.AnchorType `json:"anchor_type"`
	Objects         []PlacedObject      `json:"objects"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

type ModelIndex struct {
	Version     int       `json:"version"`
	Models      []Model   `json:"models"`
	LastUpdated time.Time `json:"last_updated"`
}

type SceneIndex struct {
	Version     int          `json:"version"`
	Scenes      []SavedScene `json:"scenes"`
	LastUpdated time.Time    `json:"last_updated"`
}

type AppSettings struct {
	Version            int       `json:"version"`
	Theme              string    `json:"theme"`
	OnboardingComplete bool      `json:"onboarding_complete"`
	LastARSession      time.Time `json:"last_ar_session"`
	AnalyticsEnabled   bool      `json:"analytics_enabled"`
}

func defaultSettings() AppSettings {
	return AppSettings{Version: 1, Theme: "system"}
}

func validateName(name string) error {
	if len(name) < minNameLen || len(name) > maxNameLen {
		return fmt.Errorf("name must be %d-%d characters, got %d", minNameLen, maxNameLen, len(name))
	}
	return nil
}

func (m Model) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("model id is empty")
	}
	if err := validateName(m.Name); err != nil {
		return err
	}
	if m.Metadata.FileSize < 0 || m.Metadata.FileSize > MaxModelFileSize {
		return fmt.Errorf("model file size %d exceeds %d bytes", m.Metadata.FileSize, MaxModelFileSize)
	}
	return nil
}

func (s SavedScene) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("scene id is empty")
	}
	if err := validateName(s.Name); err != nil {
		return err
	}
	if len(s.Objects) > MaxSceneObjects {
		return fmt.Errorf("scene holds %d objects, cap is %d", len(s.Objects), MaxSceneObjects)
	}
	if len(s.ThumbnailBase64) > (MaxThumbnailBytes*4)/3+4 {
		return fmt.Errorf("scene thumbnail exceeds %d bytes", MaxThumbnailBytes)
	}
	return nil
}
