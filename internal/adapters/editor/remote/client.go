// Package remote drives an external scene editing service over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	v1 "sceneforge/internal/contracts/editor/v1"
	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/variant"
)

// maxSceneBytes bounds a downloaded scene.
const maxSceneBytes = 512 << 20

// Editor implements variant.Editor against the editing service at baseURL.
type Editor struct {
	baseURL   string
	extension string
	client    *http.Client
	log       *logger.Logger
}

var _ variant.Editor = (*Editor)(nil)

// Option configures an Editor.
type Option func(*Editor)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Editor) { e.client = c }
}

// WithExtension sets the extension of saved documents (".scene" by default).
func WithExtension(ext string) Option {
	return func(e *Editor) {
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		e.extension = ext
	}
}

func NewEditor(baseURL string, log *logger.Logger, opts ...Option) *Editor {
	if log == nil {
		log = logger.NewDefault()
	}
	e := &Editor{
		baseURL:   strings.TrimRight(baseURL, "/"),
		extension: ".scene",
		client:    &http.Client{Timeout: 2 * time.Minute},
		log:       log.WithComponent("editor.remote"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Editor) Extension() string { return e.extension }

// Load uploads base and opens a session on it.
func (e *Editor) Load(ctx context.Context, base string) (variant.Session, error) {
	raw, err := os.ReadFile(base)
	if err != nil {
		return nil, errors.Wrap(err, "remote.Load", "read base scene")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/sessions", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(v1.SceneNameHeader, filepath.Base(base))

	var created v1.Session
	if err := e.do(req, &created); err != nil {
		return nil, errors.Wrap(err, "remote.Load", "create session")
	}
	if created.SessionID == "" {
		return nil, errors.Internal("editing service returned no session id")
	}
	e.log.FromContext(ctx).Debug("editor session opened", "session_id", created.SessionID)
	return &session{e: e, id: created.SessionID}, nil
}

type session struct {
	e      *Editor
	id     string
	closed bool
}

func (s *session) path(suffix string) string {
	return s.e.baseURL + "/sessions/" + url.PathEscape(s.id) + suffix
}

func (s *session) Apply(ctx context.Context, subs map[string]string) (variant.ApplyReport, error) {
	body, err := json.Marshal(v1.SubstitutionRequest{Substitutions: subs})
	if err != nil {
		return variant.ApplyReport{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.path("/substitutions"), bytes.NewReader(body))
	if err != nil {
		return variant.ApplyReport{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var res v1.SubstitutionResponse
	if err := s.e.do(req, &res); err != nil {
		return variant.ApplyReport{}, errors.Wrap(err, "remote.Apply", "apply substitutions")
	}
	return variant.ApplyReport{Applied: res.Applied, Missing: res.Missing}, nil
}

func (s *session) Save(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.path("/archive"), nil)
	if err != nil {
		return nil, err
	}
	res, err := s.e.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "remote.Save", "download scene")
	}
	defer res.Body.Close()
	if err := checkStatus(res); err != nil {
		return nil, errors.Wrap(err, "remote.Save", "download scene")
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxSceneBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "remote.Save", "download scene")
	}
	if len(data) > maxSceneBytes {
		return nil, errors.Newf(errors.CodeInternal, "scene exceeds %d bytes", maxSceneBytes)
	}
	return data, nil
}

// Close deletes the remote session. It uses its own short deadline so a
// canceled batch still frees the session.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.path(""), nil)
	if err != nil {
		return err
	}
	res, err := s.e.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	return checkStatus(res)
}

func (e *Editor) do(req *http.Request, out any) error {
	res, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if err := checkStatus(res); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func checkStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	var body v1.ErrorBody
	_ = json.NewDecoder(io.LimitReader(res.Body, 4096)).Decode(&body)
	msg := fmt.Sprintf("editing service http %d", res.StatusCode)
	if body.Error != "" {
		msg += ": " + body.Error
	}
	if res.StatusCode == http.StatusNotFound {
		return errors.New(errors.CodeNotFound, msg)
	}
	if res.StatusCode >= 400 && res.StatusCode < 500 {
		return errors.New(errors.CodeValidation, msg)
	}
	return errors.New(errors.CodeUnavailable, msg)
}
