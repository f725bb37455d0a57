package index

import (
	"path"

	"github.com/tabular/ar-preview/internal/protocol"
)

// File layout is content-addressed by entity ID; callers never hand in
// paths. All paths are relative to the media root owned by the FileProvider.

func ModelFilePath(id protocol.ModelID) string {
	return path.Join("models", string(id)+".glb")
}

func ModelThumbnailPath(id protocol.ModelID) string {
	return path.Join("models", "thumbnails", string(id)+".jpg")
}

func SceneThumbnailPath(id protocol.SceneID) string {
	return path.Join("scenes", "thumbnails", string(id)+".jpg")
}

func ScanSessionDir(id protocol.ScanSessionID) string {
	return path.Join("scan_sessions", string(id))
}

func ScanPhotoPath(sessionID protocol.ScanSessionID, photoID protocol.PhotoID) string {
	return path.Join(ScanSessionDir(sessionID), string(photoID)+".jpg")
}

func ScanResultPath(sessionID protocol.ScanSessionID) string {
	return path.Join(ScanSessionDir(sessionID), "result.glb")
}

// Key-value store keys, one JSON blob per key.

const (
	KeyModelIndex         = "index:models"
	KeySceneIndex         = "index:scenes"
	KeySettings           = "settings"
	KeyOnboardingComplete = "onboarding_complete"
	KeyLastARSession      = "last_ar_session"
)
