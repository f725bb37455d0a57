package scan

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tabular/ar-preview/internal/index"
	"github.com/tabular/ar-preview/internal/logging"
	"github.com/tabular/ar-preview/internal/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Envelope
	err  error
}

func (f *fakeSender) Send(t protocol.MessageType, payload interface{}) (protocol.Envelope, error) {
	if f.err != nil {
		return protocol.Envelope{}, f.err
	}
	env, err := protocol.NewEnvelope(t, payload, fmt.Sprintf("msg_test_%d", len(f.sent)+1))
	if err != nil {
		return protocol.Envelope{}, err
	}
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return env, nil
}

func (f *fakeSender) types() []protocol.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.MessageType, len(f.sent))
	for i, env := range f.sent {
		out[i] = env.Type
	}
	return out
}

type fakeFiles struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{m: make(map[string][]byte)}
}

func (f *fakeFiles) Write(relPath string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[relPath] = append([]byte(nil), data...)
	return nil
}

func (f *fakeFiles) Read(relPath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.m[relPath]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", relPath)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeFiles) Exists(relPath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.m[relPath]
	return ok, nil
}

func (f *fakeFiles) Remove(relPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, relPath)
	return nil
}

func (f *fakeFiles) RemoveDir(relPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := range f.m {
		if p == relPath || strings.HasPrefix(p, relPath+"/") {
			delete(f.m, p)
		}
	}
	return nil
}

func (f *fakeFiles) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.m)
}

type fakeMaterializer struct {
	mu    sync.Mutex
	name  string
	blob  []byte
	thumb []byte
	err   error
}

func (f *fakeMaterializer) MaterializeScanResult(name string, blob, thumbnail []byte, box protocol.BoundingBox, vertexCount int) (index.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return index.Model{}, f.err
	}
	f.name = name
	f.blob = append([]byte(nil), blob...)
	f.thumb = append([]byte(nil), thumbnail...)
	return index.Model{
		ID:       protocol.NewModelID(),
		Name:     name,
		Category: index.CategoryScanned,
		Metadata: index.ModelMetadata{FileSize: int64(len(blob)), VertexCount: vertexCount, BoundingBox: box},
	}, nil
}

func newTestSession() (*Session, *fakeSender, *fakeFiles, *fakeMaterializer) {
	sender := &fakeSender{}
	files := newFakeFiles()
	mat := &fakeMaterializer{}
	s := NewSession(sender, files, mat, logging.NewLogger("error"), DefaultBucketWidth)
	return s, sender, files, mat
}

func photoAt(s *Session, angle float64) protocol.ScanPhotoCapturedPayload {
	return protocol.ScanPhotoCapturedPayload{
		SessionID: s.ID,
		PhotoID:   protocol.NewPhotoID(),
		Angle:     angle,
		Quality:   protocol.PhotoGood,
		Timestamp: time.Now().UnixMilli(),
	}
}

func capturePhotos(s *Session, n int) {
	for i := 0; i < n; i++ {
		s.HandlePhotoCaptured(photoAt(s, float64(i*360)/float64(n)))
	}
}

func TestBeginMovesToCapturingAndSendsStart(t *testing.T) {
	s, sender, _, _ := newTestSession()

	require.NoError(t, s.Begin(context.Background()))
	require.Equal(t, StatusCapturing, s.Status())
	require.Equal(t, []protocol.MessageType{protocol.StartScan}, sender.types())

	require.Error(t, s.Begin(context.Background()))
}

func TestRequestPhotoOnlyWhileCapturing(t *testing.T) {
	s, sender, _, _ := newTestSession()

	require.Error(t, s.RequestPhoto(context.Background()))

	require.NoError(t, s.Begin(context.Background()))
	require.NoError(t, s.RequestPhoto(context.Background()))
	require.Equal(t, []protocol.MessageType{protocol.StartScan, protocol.CaptureScanPhoto}, sender.types())
}

func TestPhotoCapEnforcedBeforeSending(t *testing.T) {
	s, sender, _, _ := newTestSession()
	require.NoError(t, s.Begin(context.Background()))

	capturePhotos(s, MaxPhotos)
	require.Len(t, s.Snapshot().Photos, MaxPhotos)

	before := len(sender.types())
	require.Error(t, s.RequestPhoto(context.Background()))
	require.Len(t, sender.types(), before)

	// An engine-confirmed photo past the cap is dropped too.
	s.HandlePhotoCaptured(photoAt(s, 123))
	require.Len(t, s.Snapshot().Photos, MaxPhotos)
}

func TestPhotoPersistsFrameToTempStorage(t *testing.T) {
	s, _, files, _ := newTestSession()
	require.NoError(t, s.Begin(context.Background()))

	frame := []byte("jpeg-bytes")
	p := photoAt(s, 30)
	p.JPEGBase64 = base64.StdEncoding.EncodeToString(frame)
	s.HandlePhotoCaptured(p)

	stored, err := files.Read(index.ScanPhotoPath(s.ID, p.PhotoID))
	require.NoError(t, err)
	require.Equal(t, frame, stored)
}

func TestSnapshotTracksCoverage(t *testing.T) {
	s, _, _, _ := newTestSession()
	require.NoError(t, s.Begin(context.Background()))

	capturePhotos(s, 24) // one per 15 degree bucket
	snap := s.Snapshot()
	require.Equal(t, 100.0, snap.Coverage)
	require.Empty(t, snap.MissingAngles)
	require.Len(t, snap.Photos, 24)
}

func TestFinishEnforcesPhotoFloorBeforeSending(t *testing.T) {
	s, sender, _, _ := newTestSession()
	require.NoError(t, s.Begin(context.Background()))

	capturePhotos(s, MinPhotosToProcess-1)
	require.Error(t, s.Finish(context.Background(), "Stool"))
	require.Equal(t, StatusCapturing, s.Status())
	require.NotContains(t, sender.types(), protocol.EndScan)

	s.HandlePhotoCaptured(photoAt(s, 359))
	require.NoError(t, s.Finish(context.Background(), "Stool"))
	require.Equal(t, StatusProcessing, s.Status())
	require.Contains(t, sender.types(), protocol.EndScan)
}

func TestCompleteMaterializesModelAndCleansTemp(t *testing.T) {
	s, _, files, mat := newTestSession()
	require.NoError(t, s.Begin(context.Background()))

	capturePhotos(s, MinPhotosToProcess)
	require.NoError(t, s.Finish(context.Background(), "Stool"))

	var got index.Model
	done := false
	s.OnComplete(func(m index.Model) { got = m; done = true })

	blob := []byte("reconstructed")
	s.HandleComplete(protocol.ScanCompletePayload{
		SessionID:   s.ID,
		ModelBase64: base64.StdEncoding.EncodeToString(blob),
		VertexCount: 9000,
	})

	require.Equal(t, StatusComplete, s.Status())
	require.True(t, done)
	require.Equal(t, "Stool", got.Name)
	require.Equal(t, "Stool", mat.name)
	require.Equal(t, blob, mat.blob)
	require.Equal(t, 0, files.count(), "temp files survived completion")
}

func TestCompleteWithBadBase64Fails(t *testing.T) {
	s, _, _, _ := newTestSession()
	require.NoError(t, s.Begin(context.Background()))
	capturePhotos(s, MinPhotosToProcess)
	require.NoError(t, s.Finish(context.Background(), "Stool"))

	var failure Failure
	s.OnFailed(func(f Failure) { failure = f })

	s.HandleComplete(protocol.ScanCompletePayload{SessionID: s.ID, ModelBase64: "!!not-base64!!"})
	require.Equal(t, StatusFailed, s.Status())
	require.Equal(t, protocol.ErrCodeScanProcessing, failure.Code)
	require.False(t, failure.Recoverable)
}

func TestMaterializeFailureIsRecoverable(t *testing.T) {
	s, _, _, mat := newTestSession()
	mat.err = fmt.Errorf("library is full")

	require.NoError(t, s.Begin(context.Background()))
	capturePhotos(s, MinPhotosToProcess)
	require.NoError(t, s.Finish(context.Background(), "Stool"))

	var failure Failure
	s.OnFailed(func(f Failure) { failure = f })

	s.HandleComplete(protocol.ScanCompletePayload{
		SessionID:   s.ID,
		ModelBase64: base64.StdEncoding.EncodeToString([]byte("blob")),
	})
	require.Equal(t, StatusFailed, s.Status())
	require.True(t, failure.Recoverable)
}

func TestEngineFailureEndsSession(t *testing.T) {
	s, _, _, _ := newTestSession()
	require.NoError(t, s.Begin(context.Background()))

	s.HandleFailed(protocol.ScanFailedPayload{
		SessionID:   s.ID,
		Code:        protocol.ErrCodeScanTooFewPhotos,
		Message:     "need more coverage",
		Recoverable: true,
	})

	require.Equal(t, StatusFailed, s.Status())
	snap := s.Snapshot()
	require.NotNil(t, snap.Failure)
	require.Equal(t, protocol.ErrCodeScanTooFewPhotos, snap.Failure.Code)
}

func TestCancelNotifiesEngineAndCleansUp(t *testing.T) {
	s, sender, files, _ := newTestSession()
	require.NoError(t, s.Begin(context.Background()))

	p := photoAt(s, 10)
	p.JPEGBase64 = base64.StdEncoding.EncodeToString([]byte("frame"))
	s.HandlePhotoCaptured(p)
	require.Equal(t, 1, files.count())

	require.NoError(t, s.Cancel(context.Background()))
	require.Equal(t, StatusCancelled, s.Status())
	require.Contains(t, sender.types(), protocol.CancelScan)
	require.Equal(t, 0, files.count())

	require.Error(t, s.Cancel(context.Background()))
	require.Error(t, s.RequestPhoto(context.Background()))
}

func TestLateResultsAfterCancelAreIgnored(t *testing.T) {
	s, _, _, mat := newTestSession()
	require.NoError(t, s.Begin(context.Background()))
	capturePhotos(s, MinPhotosToProcess)
	require.NoError(t, s.Cancel(context.Background()))

	s.HandleComplete(protocol.ScanCompletePayload{
		SessionID:   s.ID,
		ModelBase64: base64.StdEncoding.EncodeToString([]byte("late")),
	})
	require.Equal(t, StatusCancelled, s.Status())
	require.Nil(t, mat.blob)

	s.HandleFailed(protocol.ScanFailedPayload{SessionID: s.ID, Code: protocol.ErrCodeScanProcessing})
	require.Equal(t, StatusCancelled, s.Status())
}

func TestDispatchFiltersBySessionID(t *testing.T) {
	s, _, _, _ := newTestSession()
	require.NoError(t, s.Begin(context.Background()))

	other := photoAt(s, 45)
	other.SessionID = protocol.NewScanSessionID()
	raw, err := protocol.NewEnvelope(protocol.ScanPhotoCaptured, other, "sim_1")
	require.NoError(t, err)
	s.dispatch(raw)
	require.Empty(t, s.Snapshot().Photos)

	mine := photoAt(s, 45)
	env, err := protocol.NewEnvelope(protocol.ScanPhotoCaptured, mine, "sim_2")
	require.NoError(t, err)
	s.dispatch(env)
	require.Len(t, s.Snapshot().Photos, 1)
}
