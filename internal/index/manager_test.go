package index

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tabular/ar-preview/internal/logging"
	"github.com/tabular/ar-preview/internal/protocol"
)

type memKV struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{m: make(map[string][]byte)}
}

func (kv *memKV) Get(key string) ([]byte, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	data, found := kv.m[key]
	if !found {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (kv *memKV) Put(key string, data []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	kv.m[key] = stored
	return nil
}

func (kv *memKV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.m, key)
	return nil
}

func (kv *memKV) Close() error { return nil }

func (kv *memKV) raw(key string) []byte {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.m[key]
}

type memFiles struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemFiles() *memFiles {
	return &memFiles{m: make(map[string][]byte)}
}

func (f *memFiles) Write(relPath string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	f.m[relPath] = stored
	return nil
}

func (f *memFiles) Read(relPath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.m[relPath]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", relPath)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (f *memFiles) Exists(relPath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.m[relPath]
	return ok, nil
}

func (f *memFiles) Remove(relPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, relPath)
	return nil
}

func (f *memFiles) RemoveDir(relPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := relPath + "/"
	for p := range f.m {
		if p == relPath || strings.HasPrefix(p, prefix) {
			delete(f.m, p)
		}
	}
	return nil
}

func newTestManager() (*Manager, *memKV, *memFiles) {
	kv := newMemKV()
	files := newMemFiles()
	return NewManager(kv, files, logging.NewLogger("error")), kv, files
}

func testModel(name string) Model {
	id := protocol.NewModelID()
	now := time.Now()
	return Model{
		ID:            id,
		Name:          name,
		GLBPath:       ModelFilePath(id),
		ThumbnailPath: ModelThumbnailPath(id),
		Category:      CategorySeating,
		Metadata:      ModelMetadata{FileSize: 1024},
		CreatedAt:     now,
		LastUsedAt:    now,
	}
}

func testScene(name string, objects int) SavedScene {
	scene := SavedScene{
		ID:         protocol.NewSceneID(),
		Name:       name,
		AnchorType: protocol.AnchorManual,
		Objects:    []PlacedObject{},
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	for i := 0; i < objects; i++ {
		scene.Objects = append(scene.Objects, PlacedObject{
			ObjectID:  protocol.NewObjectID(),
			ModelID:   protocol.NewModelID(),
			Transform: protocol.IdentityTransform(),
			PlacedAt:  time.Now(),
		})
	}
	return scene
}

func TestGetModelIndexDefaultsWhenAbsent(t *testing.T) {
	m, _, _ := newTestManager()

	idx, err := m.GetModelIndex()
	require.NoError(t, err)
	require.Equal(t, 1, idx.Version)
	require.Empty(t, idx.Models)
	require.False(t, idx.LastUpdated.IsZero())
}

func TestCorruptedIndexIsNotTreatedAsAbsent(t *testing.T) {
	m, kv, _ := newTestManager()
	require.NoError(t, kv.Put(KeyModelIndex, []byte("{this is not json")))

	_, err := m.GetModelIndex()
	require.ErrorIs(t, err, ErrCorrupted)

	// A corrupted index also blocks mutations; it is never silently reset.
	err = m.AddModel(testModel("Sofa"))
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestAddModelRoundTrip(t *testing.T) {
	m, _, _ := newTestManager()

	model := testModel("Sofa")
	require.NoError(t, m.AddModel(model))

	got, err := m.GetModel(model.ID)
	require.NoError(t, err)
	require.Equal(t, model.Name, got.Name)
	require.Equal(t, model.GLBPath, got.GLBPath)
	require.Equal(t, CategorySeating, got.Category)
}

func TestAddModelRejectsDuplicateName(t *testing.T) {
	m, _, _ := newTestManager()

	require.NoError(t, m.AddModel(testModel("Sofa")))
	err := m.AddModel(testModel("Sofa"))
	require.ErrorIs(t, err, ErrNameTaken)
}

func TestAddModelRejectsInvalidNames(t *testing.T) {
	m, _, _ := newTestManager()

	require.Error(t, m.AddModel(testModel("")))
	require.Error(t, m.AddModel(testModel(strings.Repeat("x", 101))))
	require.NoError(t, m.AddModel(testModel(strings.Repeat("x", 100))))
}

func TestModelQuotaLeavesStoredIndexUntouched(t *testing.T) {
	m, kv, _ := newTestManager()

	for i := 0; i < MaxModels; i++ {
		require.NoError(t, m.AddModel(testModel(fmt.Sprintf("Model %d", i))))
	}
	before := kv.raw(KeyModelIndex)
	require.NotEmpty(t, before)

	err := m.AddModel(testModel("One Too Many"))
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// The stored blob must be byte-identical to the pre-rejection state.
	require.Equal(t, before, kv.raw(KeyModelIndex))
}

func TestRemoveModelDeletesFiles(t *testing.T) {
	m, _, files := newTestManager()

	model := testModel("Sofa")
	require.NoError(t, files.Write(model.GLBPath, []byte("glb")))
	require.NoError(t, files.Write(model.ThumbnailPath, []byte("jpg")))
	require.NoError(t, m.AddModel(model))

	require.NoError(t, m.RemoveModel(model.ID))

	_, err := m.GetModel(model.ID)
	require.ErrorIs(t, err, ErrNotFound)

	exists, err := files.Exists(model.GLBPath)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRemoveBundledModelIsRejected(t *testing.T) {
	m, _, _ := newTestManager()

	model := testModel("Bundled Armchair")
	model.IsBundled = true
	require.NoError(t, m.AddModel(model))

	err := m.RemoveModel(model.ID)
	require.ErrorIs(t, err, ErrBundledImmutable)

	_, err = m.GetModel(model.ID)
	require.NoError(t, err)
}

func TestTouchModelStampsLastUsed(t *testing.T) {
	m, _, _ := newTestManager()

	model := testModel("Sofa")
	require.NoError(t, m.AddModel(model))

	at := time.Now().Add(time.Hour)
	require.NoError(t, m.TouchModel(model.ID, at))

	got, err := m.GetModel(model.ID)
	require.NoError(t, err)
	require.WithinDuration(t, at, got.LastUsedAt, time.Second)

	require.ErrorIs(t, m.TouchModel("missing", at), ErrNotFound)
}

func TestMaterializeScanResultStoresBlobAndIndexEntry(t *testing.T) {
	m, _, files := newTestManager()

	blob := []byte("reconstructed-glb-bytes")
	model, err := m.MaterializeScanResult("Scanned Stool", blob, []byte("thumb"), protocol.BoundingBox{}, 4200)
	require.NoError(t, err)
	require.Equal(t, CategoryScanned, model.Category)
	require.Equal(t, int64(len(blob)), model.Metadata.FileSize)
	require.Equal(t, ContentHash(blob), model.Metadata.ContentHash)
	require.Equal(t, 4200, model.Metadata.VertexCount)

	stored, err := files.Read(model.GLBPath)
	require.NoError(t, err)
	require.Equal(t, blob, stored)

	got, err := m.ModelBlob(model.ID)
	require.NoError(t, err)
	require.Equal(t, blob, got)
}

func TestMaterializeScanResultRollsBackOnQuota(t *testing.T) {
	m, _, files := newTestManager()

	for i := 0; i < MaxModels; i++ {
		require.NoError(t, m.AddModel(testModel(fmt.Sprintf("Model %d", i))))
	}

	_, err := m.MaterializeScanResult("Over Quota", []byte("glb"), nil, protocol.BoundingBox{}, 1)
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// The staged blob must not survive the rejection.
	files.mu.Lock()
	defer files.mu.Unlock()
	for p := range files.m {
		require.False(t, strings.HasSuffix(p, ".glb"), "orphaned blob left at %s", p)
	}
}

func TestSceneQuotaEnforcedBeforeWrite(t *testing.T) {
	m, kv, _ := newTestManager()

	for i := 0; i < MaxScenes; i++ {
		require.NoError(t, m.AddScene(testScene(fmt.Sprintf("Scene %d", i), 1)))
	}
	before := kv.raw(KeySceneIndex)

	err := m.AddScene(testScene("One Too Many", 1))
	require.ErrorIs(t, err, ErrQuotaExceeded)
	require.Equal(t, before, kv.raw(KeySceneIndex))
}

func TestSceneObjectCapEnforced(t *testing.T) {
	m, _, _ := newTestManager()

	require.NoError(t, m.AddScene(testScene("Full Room", MaxSceneObjects)))
	require.Error(t, m.AddScene(testScene("Overfull Room", MaxSceneObjects+1)))
}

func TestSceneRoundTripPreservesEverythingButUpdatedAt(t *testing.T) {
	m, _, _ := newTestManager()

	scene := testScene("Living Room", 3)
	scene.AnchorID = "anchor-7"
	scene.AnchorType = protocol.AnchorVPS
	require.NoError(t, m.AddScene(scene))

	stored, err := m.GetScene(scene.ID)
	require.NoError(t, err)
	require.Equal(t, scene.Name, stored.Name)
	require.Equal(t, scene.AnchorID, stored.AnchorID)
	require.Equal(t, scene.AnchorType, stored.AnchorType)
	require.Len(t, stored.Objects, 3)

	before := stored.UpdatedAt
	stored.Name = "Living Room v2"
	require.NoError(t, m.UpdateScene(stored))

	updated, err := m.GetScene(scene.ID)
	require.NoError(t, err)
	require.Equal(t, "Living Room v2", updated.Name)
	require.False(t, updated.UpdatedAt.Before(before), "UpdatedAt moved backwards")
	require.WithinDuration(t, stored.CreatedAt, updated.CreatedAt, time.Second)
}

func TestUpdateSceneRejectsStolenName(t *testing.T) {
	m, _, _ := newTestManager()

	first := testScene("Kitchen", 1)
	second := testScene("Bedroom", 1)
	require.NoError(t, m.AddScene(first))
	require.NoError(t, m.AddScene(second))

	second.Name = "Kitchen"
	require.ErrorIs(t, m.UpdateScene(second), ErrNameTaken)
}

func TestRemoveSceneMissingIsNotFound(t *testing.T) {
	m, _, _ := newTestManager()
	require.ErrorIs(t, m.RemoveScene("missing"), ErrNotFound)
}

func TestSettingsDefaultAndWriteSkip(t *testing.T) {
	m, kv, _ := newTestManager()

	s, err := m.GetSettings()
	require.NoError(t, err)
	require.Equal(t, "system", s.Theme)
	require.False(t, s.OnboardingComplete)

	s.Theme = "dark"
	require.NoError(t, m.PutSettings(s))
	first := kv.raw(KeySettings)

	// Identical content: the stored bytes must be left alone.
	require.NoError(t, m.PutSettings(s))
	require.Equal(t, first, kv.raw(KeySettings))

	s.Theme = "light"
	require.NoError(t, m.PutSettings(s))
	require.NotEqual(t, first, kv.raw(KeySettings))
}

func TestOnboardingFlagRoundTrip(t *testing.T) {
	m, _, _ := newTestManager()

	done, err := m.OnboardingComplete()
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, m.SetOnboardingComplete(true))
	done, err = m.OnboardingComplete()
	require.NoError(t, err)
	require.True(t, done)
}

func TestLastARSessionRoundTripAndCorruption(t *testing.T) {
	m, kv, _ := newTestManager()

	at, err := m.LastARSession()
	require.NoError(t, err)
	require.True(t, at.IsZero())

	now := time.Now()
	require.NoError(t, m.TouchLastARSession(now))
	at, err = m.LastARSession()
	require.NoError(t, err)
	require.WithinDuration(t, now, at, time.Second)

	require.NoError(t, kv.Put(KeyLastARSession, []byte("not-a-number")))
	_, err = m.LastARSession()
	require.ErrorIs(t, err, ErrCorrupted)
}
