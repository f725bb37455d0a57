package index

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tabular/ar-preview/internal/logging"
	"github.com/tabular/ar-preview/internal/protocol"
)

// Manager owns the on-disk representation of the model index, scene index
// and app settings. Every mutation is a whole-index read-modify-write under
// that index's mutex, so lastUpdated and the collection always land in the
// same put and concurrent mutations cannot lose updates.
type Manager struct {
	kv     KVStore
	files  FileProvider
	logger *logging.Logger

	modelsMu   sync.Mutex
	scenesMu   sync.Mutex
	settingsMu sync.Mutex
}

func NewManager(kv KVStore, files FileProvider, logger *logging.Logger) *Manager {
	return &Manager{
		kv:     kv,
		files:  files,
		logger: logger.With("component", "index"),
	}
}

// readBlob loads and parses one index blob. Absence yields the provided
// default; a present-but-unparseable blob yields ErrCorrupted, never a
// silent fallback.
func (m *Manager) readBlob(key string, out interface{}) (found bool, err error) {
	data, found, err := m.kv.Get(key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		m.logger.Error("Stored index failed to parse", "key", key, "error", err)
		return true, fmt.Errorf("%w: key %s: %v", ErrCorrupted, key, err)
	}
	return true, nil
}

func (m *Manager) writeBlob(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return m.kv.Put(key, data)
}

// Model index

// GetModelIndex returns the stored model index, or the well-defined default
// when no index has been written yet.
func (m *Manager) GetModelIndex() (ModelIndex, error) {
	var idx ModelIndex
	found, err := m.readBlob(KeyModelIndex, &idx)
	if err != nil {
		return ModelIndex{}, err
	}
	if !found {
		return ModelIndex{Version: 1, Models: []Model{}, LastUpdated: time.Now()}, nil
	}
	return idx, nil
}

// AddModel appends a model to the index. The quota and name-uniqueness
// predicates run before any write; on failure the stored index is untouched.
func (m *Manager) AddModel(model Model) error {
	if err := model.Validate(); err != nil {
		return err
	}

	m.modelsMu.Lock()
	defer m.modelsMu.Unlock()

	idx, err := m.GetModelIndex()
	if err != nil {
		return err
	}

	if len(idx.Models) >= MaxModels {
		return fmt.Errorf("%w: model library holds %d of %d", ErrQuotaExceeded, len(idx.Models), MaxModels)
	}
	for _, existing := range idx.Models {
		if existing.ID == model.ID {
			return fmt.Errorf("model %s already indexed", model.ID)
		}
		if existing.Name == model.Name {
			return fmt.Errorf("%w: model name %q", ErrNameTaken, model.Name)
		}
	}

	idx.Models = append(idx.Models, model)
	idx.LastUpdated = time.Now()

	if err := m.writeBlob(KeyModelIndex, idx); err != nil {
		return err
	}
	m.logger.Info("Model added to index", "model_id", model.ID, "name", model.Name, "count", len(idx.Models))
	return nil
}

func (m *Manager) GetModel(id protocol.ModelID) (Model, error) {
	idx, err := m.GetModelIndex()
	if err != nil {
		return Model{}, err
	}
	for _, model := range idx.Models {
		if model.ID == id {
			return model, nil
		}
	}
	return Model{}, fmt.Errorf("%w: model %s", ErrNotFound, id)
}

// RemoveModel deletes a model and its files. Bundled models are
// non-deletable.
func (m *Manager) RemoveModel(id protocol.ModelID) error {
	m.modelsMu.Lock()
	defer m.modelsMu.Unlock()

	idx, err := m.GetModelIndex()
	if err != nil {
		return err
	}

	pos := -1
	for i, model := range idx.Models {
		if model.ID == id {
			if model.IsBundled {
				return ErrBundledImmutable
			}
			pos = i
			break
		}
	}
	if pos < 0 {
		return fmt.Errorf("%w: model %s", ErrNotFound, id)
	}

	idx.Models = append(idx.Models[:pos], idx.Models[pos+1:]...)
	idx.LastUpdated = time.Now()

	if err := m.writeBlob(KeyModelIndex, idx); err != nil {
		return err
	}

	// File cleanup happens after the index write; orphaned files are
	// harmless, a dangling index entry is not.
	if err := m.files.Remove(ModelFilePath(id)); err != nil {
		m.logger.Warn("Failed to remove model file", "model_id", id, "error", err)
	}
	if err := m.files.Remove(ModelThumbnailPath(id)); err != nil {
		m.logger.Warn("Failed to remove model thumbnail", "model_id", id, "error", err)
	}

	m.logger.Info("Model removed from index", "model_id", id)
	return nil
}

// TouchModel stamps lastUsedAt on a model, keeping recently-used ordering
// available to the UI.
func (m *Manager) TouchModel(id protocol.ModelID, at time.Time) error {
	m.modelsMu.Lock()
	defer m.modelsMu.Unlock()

	idx, err := m.GetModelIndex()
	if err != nil {
		return err
	}
	for i := range idx.Models {
		if idx.Models[i].ID == id {
			idx.Models[i].LastUsedAt = at
			idx.LastUpdated = time.Now()
			return m.writeBlob(KeyModelIndex, idx)
		}
	}
	return fmt.Errorf("%w: model %s", ErrNotFound, id)
}

// ModelBlob reads a model's glb payload through the file provider.
func (m *Manager) ModelBlob(id protocol.ModelID) ([]byte, error) {
	if _, err := m.GetModel(id); err != nil {
		return nil, err
	}
	return m.files.Read(ModelFilePath(id))
}

// MaterializeScanResult turns a completed scan into a library model: the
// blob lands at the model's content-addressed path, then the index entry is
// added. A quota rejection rolls the file back so no orphan survives.
func (m *Manager) MaterializeScanResult(name string, blob []byte, thumbnail []byte, box protocol.BoundingBox, vertexCount int) (Model, error) {
	if int64(len(blob)) > MaxModelFileSize {
		return Model{}, fmt.Errorf("scan result is %d bytes, cap is %d", len(blob), MaxModelFileSize)
	}

	id := protocol.NewModelID()
	now := time.Now()
	model := Model{
		ID:            id,
		Name:          name,
		GLBPath:       ModelFilePath(id),
		ThumbnailPath: ModelThumbnailPath(id),
		Category:      CategoryScanned,
		Metadata: ModelMetadata{
			FileSize:    int64(len(blob)),
			VertexCount: vertexCount,
			BoundingBox: box,
			ContentHash: ContentHash(blob),
		},
		CreatedAt:  now,
		LastUsedAt: now,
	}

	if err := m.files.Write(model.GLBPath, blob); err != nil {
		return Model{}, fmt.Errorf("failed to store scan result: %w", err)
	}
	if len(thumbnail) > 0 {
		if err := m.files.Write(model.ThumbnailPath, thumbnail); err != nil {
			m.logger.Warn("Failed to store scan thumbnail", "model_id", id, "error", err)
		}
	}

	if err := m.AddModel(model); err != nil {
		if rmErr := m.files.Remove(model.GLBPath); rmErr != nil {
			m.logger.Warn("Failed to roll back scan blob", "model_id", id, "error", rmErr)
		}
		if rmErr := m.files.Remove(model.ThumbnailPath); rmErr != nil {
			m.logger.Warn("Failed to roll back scan thumbnail", "model_id", id, "error", rmErr)
		}
		return Model{}, err
	}

	return model, nil
}

// Scene index

func (m *Manager) GetSceneIndex() (SceneIndex, error) {
	var idx SceneIndex
	found, err := m.readBlob(KeySceneIndex, &idx)
	if err != nil {
		return SceneIndex{}, err
	}
	if !found {
		return SceneIndex{Version: 1, Scenes: []SavedScene{}, LastUpdated: time.Now()}, nil
	}
	return idx, nil
}

// AddScene appends a scene after the quota and name predicates pass.
func (m *Manager) AddScene(scene SavedScene) error {
	if err := scene.Validate(); err != nil {
		return err
	}

	m.scenesMu.Lock()
	defer m.scenesMu.Unlock()

	idx, err := m.GetSceneIndex()
	if err != nil {
		return err
	}

	if len(idx.Scenes) >= MaxScenes {
		return fmt.Errorf("%w: scene library holds %d of %d", ErrQuotaExceeded, len(idx.Scenes), MaxScenes)
	}
	for _, existing := range idx.Scenes {
		if existing.ID == scene.ID {
			return fmt.Errorf("scene %s already indexed", scene.ID)
		}
		if existing.Name == scene.Name {
			return fmt.Errorf("%w: scene name %q", ErrNameTaken, scene.Name)
		}
	}

	idx.Scenes = append(idx.Scenes, scene)
	idx.LastUpdated = time.Now()

	if err := m.writeBlob(KeySceneIndex, idx); err != nil {
		return err
	}
	m.logger.Info("Scene added to index", "scene_id", scene.ID, "name", scene.Name, "objects", len(scene.Objects))
	return nil
}

func (m *Manager) GetScene(id protocol.SceneID) (SavedScene, error) {
	idx, err := m.GetSceneIndex()
	if err != nil {
		return SavedScene{}, err
	}
	for _, scene := range idx.Scenes {
		if scene.ID == id {
			return scene, nil
		}
	}
	return SavedScene{}, fmt.Errorf("%w: scene %s", ErrNotFound, id)
}

// UpdateScene replaces a stored scene. UpdatedAt is bumped monotonically:
// it never moves backwards even if the caller supplies a stale value.
func (m *Manager) UpdateScene(scene SavedScene) error {
	if err := scene.Validate(); err != nil {
		return err
	}

	m.scenesMu.Lock()
	defer m.scenesMu.Unlock()

	idx, err := m.GetSceneIndex()
	if err != nil {
		return err
	}

	for i := range idx.Scenes {
		if idx.Scenes[i].ID != scene.ID {
			continue
		}
		if scene.Name != idx.Scenes[i].Name {
			for _, other := range idx.Scenes {
				if other.ID != scene.ID && other.Name == scene.Name {
					return fmt.Errorf("%w: scene name %q", ErrNameTaken, scene.Name)
				}
			}
		}
		now := time.Now()
		if now.After(idx.Scenes[i].UpdatedAt) {
			scene.UpdatedAt = now
		} else {
			scene.UpdatedAt = idx.Scenes[i].UpdatedAt
		}
		scene.CreatedAt = idx.Scenes[i].CreatedAt
		idx.Scenes[i] = scene
		idx.LastUpdated = now
		return m.writeBlob(KeySceneIndex, idx)
	}
	return fmt.Errorf("%w: scene %s", ErrNotFound, scene.ID)
}

func (m *Manager) RemoveScene(id protocol.SceneID) error {
	m.scenesMu.Lock()
	defer m.scenesMu.Unlock()

	idx, err := m.GetSceneIndex()
	if err != nil {
		return err
	}

	pos := -1
	for i, scene := range idx.Scenes {
		if scene.ID == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		return fmt.Errorf("%w: scene %s", ErrNotFound, id)
	}

	idx.Scenes = append(idx.Scenes[:pos], idx.Scenes[pos+1:]...)
	idx.LastUpdated = time.Now()

	if err := m.writeBlob(KeySceneIndex, idx); err != nil {
		return err
	}

	if err := m.files.Remove(SceneThumbnailPath(id)); err != nil {
		m.logger.Warn("Failed to remove scene thumbnail", "scene_id", id, "error", err)
	}
	return nil
}

// Settings

func (m *Manager) GetSettings() (AppSettings, error) {
	var s AppSettings
	found, err := m.readBlob(KeySettings, &s)
	if err != nil {
		return AppSettings{}, err
	}
	if !found {
		return defaultSettings(), nil
	}
	return s, nil
}

// PutSettings stores the settings blob, skipping the write when the content
// is byte-identical to what is already stored.
func (m *Manager) PutSettings(s AppSettings) error {
	m.settingsMu.Lock()
	defer m.settingsMu.Unlock()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	existing, found, err := m.kv.Get(KeySettings)
	if err != nil {
		return err
	}
	if found && ContentHash(existing) == ContentHash(data) {
		m.logger.Debug("Settings unchanged, skipping write")
		return nil
	}

	return m.kv.Put(KeySettings, data)
}

func (m *Manager) SetOnboardingComplete(done bool) error {
	m.settingsMu.Lock()
	defer m.settingsMu.Unlock()
	return m.kv.Put(KeyOnboardingComplete, []byte(strconv.FormatBool(done)))
}

func (m *Manager) OnboardingComplete() (bool, error) {
	data, found, err := m.kv.Get(KeyOnboardingComplete)
	if err != nil || !found {
		return false, err
	}
	return string(data) == "true", nil
}

// TouchLastARSession records when an AR session last ran, for the UI's
// "resume where you left off" affordance.
func (m *Manager) TouchLastARSession(at time.Time) error {
	m.settingsMu.Lock()
	defer m.settingsMu.Unlock()
	return m.kv.Put(KeyLastARSession, []byte(strconv.FormatInt(at.UnixMilli(), 10)))
}

func (m *Manager) LastARSession() (time.Time, error) {
	data, found, err := m.kv.Get(KeyLastARSession)
	if err != nil || !found {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: key %s: %v", ErrCorrupted, KeyLastARSession, err)
	}
	return time.UnixMilli(ms), nil
}
