package protocol

import "github.com/google/uuid"

type ObjectID string
type ModelID string
type SceneID string
type ScanSessionID string
type PhotoID string

func NewObjectID() ObjectID {
	return ObjectID(uuid.New().String())
}

func NewModelID() ModelID {
	return ModelID(uuid.New().String())
}

func NewSceneID() SceneID {
	return SceneID(uuid.New().String())
}

func NewScanSessionID() ScanSessionID {
	return ScanSessionID(uuid.New().String())
}

func NewPhotoID() PhotoID {
	return PhotoID(uuid.New().String())
}
