package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "sceneforge/internal/contracts/editor/v1"
	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/pkg/logger"
)

// fakeService keeps sessions in memory; a scene is a flat name→text map.
type fakeService struct {
	mu       sync.Mutex
	next     int
	sessions map[string]map[string]string
	deleted  []string
	names    []string
}

func newFakeService() *fakeService {
	return &fakeService{sessions: map[string]map[string]string{}}
}

func (f *fakeService) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/sessions", func(w http.ResponseWriter, r *http.Request) {
		var scene map[string]string
		if err := json.NewDecoder(r.Body).Decode(&scene); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(v1.ErrorBody{Error: "unreadable scene"})
			return
		}
		f.mu.Lock()
		f.next++
		id := "s" + string(rune('0'+f.next))
		f.sessions[id] = scene
		f.names = append(f.names, r.Header.Get(v1.SceneNameHeader))
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(v1.Session{SessionID: id})
	})
	r.Post("/sessions/{id}/substitutions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		scene, ok := f.sessions[chi.URLParam(r, "id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req v1.SubstitutionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		var res v1.SubstitutionResponse
		for k, v := range req.Substitutions {
			if _, ok := scene[k]; !ok {
				res.Missing = append(res.Missing, k)
				continue
			}
			scene[k] = v
			res.Applied = append(res.Applied, k)
		}
		_ = json.NewEncoder(w).Encode(res)
	})
	r.Get("/sessions/{id}/archive", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		scene, ok := f.sessions[chi.URLParam(r, "id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(scene)
	})
	r.Delete("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := chi.URLParam(r, "id")
		delete(f.sessions, id)
		f.deleted = append(f.deleted, id)
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func writeBase(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "poster.scene")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestSessionLifecycle(t *testing.T) {
	svc := newFakeService()
	srv := httptest.NewServer(svc.routes())
	defer srv.Close()

	ed := NewEditor(srv.URL+"/", logger.Discard())
	assert.Equal(t, ".scene", ed.Extension())
	ctx := context.Background()

	sess, err := ed.Load(ctx, writeBase(t, `{"bottom_text":"Work from home"}`))
	require.NoError(t, err)

	rep, err := sess.Apply(ctx, map[string]string{"bottom_text": "Work from London", "logo": "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bottom_text"}, rep.Applied)
	assert.Equal(t, []string{"logo"}, rep.Missing)

	data, err := sess.Save(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"bottom_text":"Work from London"}`, string(data))

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())

	assert.Equal(t, []string{"s1"}, svc.deleted)
	assert.Equal(t, []string{"poster.scene"}, svc.names)
	assert.Empty(t, svc.sessions)
}

func TestLoadRejected(t *testing.T) {
	srv := httptest.NewServer(newFakeService().routes())
	defer srv.Close()

	_, err := NewEditor(srv.URL, logger.Discard()).Load(context.Background(), writeBase(t, "not json"))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "unreadable scene")
}

func TestServiceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream gone")
	}))
	defer srv.Close()

	_, err := NewEditor(srv.URL, logger.Discard()).Load(context.Background(), writeBase(t, "{}"))
	assert.True(t, errors.IsCode(err, errors.CodeUnavailable))
}

func TestCloseToleratesMissingSession(t *testing.T) {
	svc := newFakeService()
	srv := httptest.NewServer(svc.routes())
	defer srv.Close()

	sess := &session{e: NewEditor(srv.URL, logger.Discard()), id: "gone"}
	assert.NoError(t, sess.Close())
}

func TestWithExtension(t *testing.T) {
	ed := NewEditor("http://editor.local", nil, WithExtension("zip"), WithHTTPClient(http.DefaultClient))
	assert.Equal(t, ".zip", ed.Extension())
	assert.Same(t, http.DefaultClient, ed.client)
	assert.True(t, strings.HasPrefix(ed.baseURL, "http://"))
}
