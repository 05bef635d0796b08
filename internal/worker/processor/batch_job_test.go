//go:build unix

package processor

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sceneforge/internal/adapters/storage/localfs"
	"sceneforge/internal/models"
	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/ports"
)

type memStore struct {
	mu       sync.Mutex
	scenes   map[string]*models.Scene
	batches  map[string]*models.Batch
	outcomes map[string][]models.Outcome
	running  []string
}

func newMemStore() *memStore {
	return &memStore{
		scenes:   map[string]*models.Scene{},
		batches:  map[string]*models.Batch{},
		outcomes: map[string][]models.Outcome{},
	}
}

func (m *memStore) CreateScene(_ context.Context, s *models.Scene) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenes[s.ID] = s
	return nil
}

func (m *memStore) GetScene(_ context.Context, id string) (*models.Scene, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scenes[id]
	if !ok {
		return nil, errors.NotFound("scene", id)
	}
	return s, nil
}

func (m *memStore) DeleteScene(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scenes, id)
	return nil
}

func (m *memStore) CreateBatch(_ context.Context, b *models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *memStore) GetBatch(_ context.Context, id string) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, errors.NotFound("batch", id)
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) ListBatches(_ context.Context, _ int) ([]models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Batch
	for _, b := range m.batches {
		out = append(out, *b)
	}
	return out, nil
}

func (m *memStore) MarkRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[id].Status = models.BatchRunning
	m.running = append(m.running, id)
	return nil
}

func (m *memStore) Finish(_ context.Context, b *models.Batch, outcomes []models.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.batches[b.ID] = &cp
	m.outcomes[b.ID] = outcomes
	return nil
}

func (m *memStore) ListOutcomes(_ context.Context, batchID string) ([]models.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[batchID], nil
}

var (
	_ ports.SceneStore = (*memStore)(nil)
	_ ports.BatchStore = (*memStore)(nil)
)

type batchEnv struct {
	env
	store *memStore
	sp    *localfs.LocalFS
	p     *Processor
}

func newBatchEnv(t *testing.T, engine string) batchEnv {
	t.Helper()
	e := newEnv(t)
	store := newMemStore()
	sp := localfs.New(t.TempDir())

	ctx := context.Background()
	_, err := sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   "scenes/scn_1/poster.scene",
		ContentType: "application/json",
		Reader:      bytes.NewReader([]byte(baseScene)),
		Size:        int64(len(baseScene)),
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateScene(ctx, &models.Scene{
		ID:        "scn_1",
		Name:      "poster.scene",
		Provider:  sp.Provider(),
		ObjectKey: "scenes/scn_1/poster.scene",
		Mime:      "application/json",
		SizeBytes: int64(len(baseScene)),
		CreatedAt: time.Now(),
	}))

	p := e.processor(t, engine, func(d *Deps) {
		d.Store = store
		d.Scenes = store
		d.SP = sp
	})
	return batchEnv{env: e, store: store, sp: sp, p: p}
}

func (b batchEnv) queue(t *testing.T, id, request string) {
	t.Helper()
	require.NoError(t, b.store.CreateBatch(context.Background(), &models.Batch{
		ID:        id,
		SceneID:   "scn_1",
		Status:    models.BatchQueued,
		Request:   []byte(request),
		CreatedAt: time.Now(),
	}))
}

func TestProcessBatchDelivers(t *testing.T) {
	be := newBatchEnv(t, copyEngine)
	be.queue(t, "bat_1", `{
		"scene_id": "scn_1",
		"variations": [
			{"id": "london", "substitutions": {"bottom_text": "Work from London"}},
			{"id": "tokyo", "substitutions": {"bottom_text": "Work from Tokyo"}}
		],
		"options": {"timeout_seconds": 1, "env": {"HANG_ON": "Tokyo"}}
	}`)

	require.NoError(t, be.p.ProcessBatch(context.Background(), "bat_1"))

	b, err := be.store.GetBatch(context.Background(), "bat_1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchDone, b.Status)
	assert.Equal(t, "bundles/bat_1/bat_1.zip", b.BundleKey)
	assert.Equal(t, 2, b.Total)
	assert.Equal(t, 1, b.Succeeded)
	assert.Equal(t, 1, b.Failed)
	assert.NotEmpty(t, b.BundleChecksum)
	assert.Equal(t, []string{"bat_1"}, be.store.running)

	rc, _, size, err := be.sp.GetObject(context.Background(), b.BundleKey)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, size, int64(len(data)))
	assert.Equal(t, b.BundleSize, size)

	outs, err := be.store.ListOutcomes(context.Background(), "bat_1")
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, "london.png", outs[0].OutputName)
	assert.Equal(t, "timeout", outs[1].Reason)

	left, err := os.ReadDir(be.workRoot)
	require.NoError(t, err)
	assert.Empty(t, left, "input and batch workspaces are removed")
}

func TestProcessBatchRecordsFailure(t *testing.T) {
	be := newBatchEnv(t, failingEngine)
	be.queue(t, "bat_2", `{"scene_id":"scn_1","variations":[{"id":"a"},{"id":"b"}]}`)

	err := be.p.ProcessBatch(context.Background(), "bat_2")
	assert.True(t, errors.IsCode(err, errors.CodeNoSuccess))

	b, err := be.store.GetBatch(context.Background(), "bat_2")
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, b.Status)
	assert.Equal(t, string(errors.CodeNoSuccess), b.ErrorCode)
	assert.Equal(t, 2, b.Failed)

	outs, _ := be.store.ListOutcomes(context.Background(), "bat_2")
	require.Len(t, outs, 2)
	assert.Equal(t, 3, outs[0].ExitCode)
	assert.Contains(t, outs[0].Stderr, "license rejected")
}

func TestProcessBatchBadRequest(t *testing.T) {
	be := newBatchEnv(t, copyEngine)
	be.queue(t, "bat_3", `{"variations":[{"id":"new york"}]}`)

	err := be.p.ProcessBatch(context.Background(), "bat_3")
	assert.True(t, errors.IsValidation(err))

	b, _ := be.store.GetBatch(context.Background(), "bat_3")
	assert.Equal(t, models.BatchFailed, b.Status)
	assert.Empty(t, be.store.running)
}

func TestProcessBatchSkipsFinished(t *testing.T) {
	be := newBatchEnv(t, copyEngine)
	be.queue(t, "bat_4", `{"variations":[{"id":"a"}]}`)
	be.store.batches["bat_4"].Status = models.BatchDone

	require.NoError(t, be.p.ProcessBatch(context.Background(), "bat_4"))
	assert.Empty(t, be.store.running)
}

func TestProcessBatchNeedsStores(t *testing.T) {
	e := newEnv(t)
	err := e.processor(t, copyEngine).ProcessBatch(context.Background(), "bat_1")
	assert.Error(t, err)
}
