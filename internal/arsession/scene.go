package arsession

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/tabular/ar-preview/internal/index"
	"github.com/tabular/ar-preview/internal/protocol"
)

// RelocalizationTimeout bounds the engine's anchor relocalization wait
// during restore.
const RelocalizationTimeout = 10 * time.Second

// RestoreOutcome reports how a scene restore went. Whenever UsedVPSAnchor
// is false, ManualPlacementNeeded lists every object in the scene: the
// caller must offer manual repositioning, this is not optional.
type RestoreOutcome struct {
	SceneID               protocol.SceneID    `json:"scene_id"`
	RestoredObjects       []protocol.ObjectID `json:"restored_objects"`
	FailedModelIDs        []protocol.ModelID  `json:"failed_model_ids"`
	UsedVPSAnchor         bool                `json:"used_vps_anchor"`
	ManualPlacementNeeded []protocol.ObjectID `json:"manual_placement_needed"`
}

// CaptureScene snapshots the current placed objects into a SavedScene and
// hands it to the library. The engine supplies authoritative transforms,
// an optional screenshot and a persistent anchor.
func (s *Session) CaptureScene(ctx context.Context, name string) (index.SavedScene, error) {
	s.mu.Lock()
	if s.state != StateReady && s.state != StateSurfaceDetected {
		state := s.state
		s.mu.Unlock()
		return index.SavedScene{}, fmt.Errorf("arsession: cannot capture scene from state %s", state)
	}
	if len(s.objects) == 0 {
		s.mu.Unlock()
		return index.SavedScene{}, fmt.Errorf("arsession: nothing to capture, no objects placed")
	}
	placedAt := make(map[protocol.ObjectID]time.Time, len(s.objects))
	modelOf := make(map[protocol.ObjectID]protocol.ModelID, len(s.objects))
	for _, o := range s.objects {
		placedAt[o.ObjectID] = o.PlacedAt
		modelOf[o.ObjectID] = o.ModelID
	}
	s.mu.Unlock()

	payload := protocol.CaptureScenePayload{IncludeScreenshot: true, RequestAnchor: true}
	env, err := s.bridge.SendAndWait(ctx, protocol.CaptureScene, payload, protocol.SceneCaptured, s.timeout)
	if err != nil {
		return index.SavedScene{}, fmt.Errorf("arsession: scene capture failed: %w", err)
	}

	decoded, err := protocol.DecodeInbound(env)
	if err != nil {
		return index.SavedScene{}, fmt.Errorf("arsession: bad SCENE_CAPTURED payload: %w", err)
	}
	captured, ok := decoded.(protocol.SceneCapturedPayload)
	if !ok {
		return index.SavedScene{}, fmt.Errorf("arsession: unexpected %s response payload", env.Type)
	}

	now := time.Now()
	scene := index.SavedScene{
		ID:              protocol.NewSceneID(),
		Name:            name,
		ThumbnailBase64: captured.ScreenshotBase64,
		AnchorID:        captured.AnchorID,
		AnchorType:      captured.AnchorType,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if scene.AnchorType == "" {
		scene.AnchorType = protocol.AnchorManual
	}

	for _, ref := range captured.Objects {
		at, ok := placedAt[ref.ObjectID]
		if !ok {
			at = now
		}
		modelID := ref.ModelID
		if modelID == "" {
			modelID = modelOf[ref.ObjectID]
		}
		scene.Objects = append(scene.Objects, index.PlacedObject{
			ObjectID:  ref.ObjectID,
			ModelID:   modelID,
			Transform: ref.Transform,
			PlacedAt:  at,
		})
	}

	if err := s.library.AddScene(scene); err != nil {
		return index.SavedScene{}, err
	}

	s.logger.Info("Scene captured",
		"scene_id", scene.ID,
		"name", scene.Name,
		"objects", len(scene.Objects),
		"anchor_type", scene.AnchorType,
	)
	return scene, nil
}

// RestoreScene loads a saved scene back into the engine. The engine gets a
// bounded relocalization window; on anchor loss the outcome demands manual
// placement for every object.
func (s *Session) RestoreScene(ctx context.Context, sceneID protocol.SceneID) (RestoreOutcome, error) {
	s.mu.Lock()
	if s.state != StateReady && s.state != StateSurfaceDetected {
		state := s.state
		s.mu.Unlock()
		return RestoreOutcome{}, fmt.Errorf("arsession: cannot restore scene from state %s", state)
	}
	s.mu.Unlock()

	scene, err := s.library.GetScene(sceneID)
	if err != nil {
		return RestoreOutcome{}, err
	}

	payload := protocol.RestoreScenePayload{
		SceneID:    scene.ID,
		AnchorID:   scene.AnchorID,
		AnchorType: scene.AnchorType,
	}

	seen := make(map[protocol.ModelID]bool)
	for _, obj := range scene.Objects {
		payload.Objects = append(payload.Objects, protocol.SceneObjectRef{
			ObjectID:  obj.ObjectID,
			ModelID:   obj.ModelID,
			Transform: obj.Transform,
		})
		if seen[obj.ModelID] {
			continue
		}
		seen[obj.ModelID] = true
		blob, err := s.library.ModelBlob(obj.ModelID)
		if err != nil {
			return RestoreOutcome{}, fmt.Errorf("arsession: model %s unavailable for restore: %w", obj.ModelID, err)
		}
		payload.Models = append(payload.Models, protocol.ModelBlob{
			ModelID:   obj.ModelID,
			GLBBase64: base64.StdEncoding.EncodeToString(blob),
		})
	}

	env, err := s.bridge.SendAndWait(ctx, protocol.RestoreScene, payload, protocol.SceneRestored, RelocalizationTimeout)
	if err != nil {
		return RestoreOutcome{}, fmt.Errorf("arsession: scene restore failed: %w", err)
	}

	decoded, err := protocol.DecodeInbound(env)
	if err != nil {
		return RestoreOutcome{}, fmt.Errorf("arsession: bad SCENE_RESTORED payload: %w", err)
	}
	restored, ok := decoded.(protocol.SceneRestoredPayload)
	if !ok {
		return RestoreOutcome{}, fmt.Errorf("arsession: unexpected %s response payload", env.Type)
	}

	outcome := RestoreOutcome{
		SceneID:         scene.ID,
		RestoredObjects: restored.RestoredObjects,
		FailedModelIDs:  restored.FailedModelIDs,
		UsedVPSAnchor:   restored.UsedVPSAnchor,
	}
	if !restored.UsedVPSAnchor {
		// Anchor relocalization did not hold; every object needs manual
		// repositioning by the user.
		for _, obj := range scene.Objects {
			outcome.ManualPlacementNeeded = append(outcome.ManualPlacementNeeded, obj.ObjectID)
		}
	}

	// The restored scene replaces the in-memory object set.
	failed := make(map[protocol.ModelID]bool, len(restored.FailedModelIDs))
	for _, id := range restored.FailedModelIDs {
		failed[id] = true
	}
	now := time.Now()
	objects := make([]index.PlacedObject, 0, len(scene.Objects))
	for _, obj := range scene.Objects {
		if failed[obj.ModelID] {
			continue
		}
		obj.PlacedAt = now
		objects = append(objects, obj)
	}

	s.mu.Lock()
	s.objects = objects
	s.mode = PlacementNone
	s.pendingModel = ""
	s.mu.Unlock()

	s.logger.Info("Scene restored",
		"scene_id", scene.ID,
		"restored", len(outcome.RestoredObjects),
		"failed_models", len(outcome.FailedModelIDs),
		"vps_anchor", outcome.UsedVPSAnchor,
	)
	return outcome, nil
}
