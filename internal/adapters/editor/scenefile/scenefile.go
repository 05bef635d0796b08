// Package scenefile edits scene documents on the local filesystem.
//
// A scene is a JSON document. Any object carrying a string "name" is a named
// element; substituting a key sets the "text" of the first element with that
// name (depth-first, object keys in sorted order). Everything else in the
// document is kept as is.
//
// Scenes can also travel as zip archives holding one *.scene document plus
// its assets. The archive editor rewrites the scene entry and copies every
// other entry unchanged.
package scenefile

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/variant"
)

// Extensions of the two supported layouts.
const (
	ExtScene   = ".scene"
	ExtArchive = ".zip"
)

// DefaultMaxArchiveBytes bounds the expanded size of all members of a scene
// archive together.
const DefaultMaxArchiveBytes int64 = 1 << 30

// Editor implements variant.Editor for one layout.
type Editor struct {
	archive         bool
	maxArchiveBytes int64
}

var _ variant.Editor = (*Editor)(nil)

// Option configures an Editor.
type Option func(*Editor)

// WithMaxArchiveBytes overrides DefaultMaxArchiveBytes. n <= 0 keeps the
// default.
func WithMaxArchiveBytes(n int64) Option {
	return func(e *Editor) {
		if n > 0 {
			e.maxArchiveBytes = n
		}
	}
}

func newEditor(archive bool, opts []Option) *Editor {
	e := &Editor{archive: archive, maxArchiveBytes: DefaultMaxArchiveBytes}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSceneEditor edits bare JSON scenes.
func NewSceneEditor(opts ...Option) *Editor { return newEditor(false, opts) }

// NewArchiveEditor edits scene archives. A bare scene base is accepted and
// saved as a single-entry archive.
func NewArchiveEditor(opts ...Option) *Editor { return newEditor(true, opts) }

// ForPath picks the editor matching the extension of base.
func ForPath(base string, opts ...Option) *Editor {
	if strings.EqualFold(filepath.Ext(base), ExtArchive) {
		return NewArchiveEditor(opts...)
	}
	return NewSceneEditor(opts...)
}

// Extension implements variant.Editor.
func (e *Editor) Extension() string {
	if e.archive {
		return ExtArchive
	}
	return ExtScene
}

// Load implements variant.Editor. Every call reads base from disk again.
func (e *Editor) Load(ctx context.Context, base string) (variant.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(base)
	if err != nil {
		return nil, errors.Wrap(err, "scenefile.Load", "read base scene")
	}

	s := &session{archive: e.archive, sceneName: "scene" + ExtScene}
	if isZip(raw) {
		if !e.archive {
			return nil, errors.Validationf("%s is a scene archive; use the archive editor", filepath.Base(base))
		}
		if err := s.readArchive(raw, e.maxArchiveBytes); err != nil {
			return nil, err
		}
		return s, nil
	}

	doc, err := decode(raw)
	if err != nil {
		return nil, errors.Wrap(err, "scenefile.Load", "parse scene")
	}
	s.doc = doc
	if n := strings.TrimSuffix(filepath.Base(base), filepath.Ext(base)); n != "" {
		s.sceneName = n + ExtScene
	}
	return s, nil
}

type entry struct {
	header zip.FileHeader
	data   []byte
}

type session struct {
	archive   bool
	doc       any
	sceneName string
	// entries holds the archive members in their original order; the scene
	// entry is at sceneIdx.
	entries  []entry
	sceneIdx int
	closed   bool
}

// readArchive loads every member into memory. limit caps the expanded size
// of all members together.
func (s *session) readArchive(raw []byte, limit int64) error {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return errors.Wrap(err, "scenefile.Load", "open scene archive")
	}
	s.sceneIdx = -1
	left := limit
	for _, f := range zr.File {
		data, err := readMember(f, left)
		if err != nil {
			if errors.IsCode(err, errors.CodeResourceExhaust) {
				return errors.Newf(errors.CodeResourceExhaust, "scene archive expands beyond %d bytes", limit).
					WithField("member", f.Name)
			}
			return errors.Wrap(err, "scenefile.Load", "read "+f.Name)
		}
		left -= int64(len(data))
		if s.sceneIdx < 0 && !f.FileInfo().IsDir() && strings.EqualFold(filepath.Ext(f.Name), ExtScene) {
			doc, err := decode(data)
			if err != nil {
				return errors.Wrap(err, "scenefile.Load", "parse "+f.Name)
			}
			s.doc = doc
			s.sceneName = f.Name
			s.sceneIdx = len(s.entries)
		}
		s.entries = append(s.entries, entry{header: f.FileHeader, data: data})
	}
	if s.sceneIdx < 0 {
		return errors.Validation("scene archive has no " + ExtScene + " document")
	}
	return nil
}

// readMember reads at most limit bytes of f.
func readMember(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errors.New(errors.CodeResourceExhaust, "archive member too large")
	}
	return data, nil
}

// Apply implements variant.Session.
func (s *session) Apply(ctx context.Context, subs map[string]string) (variant.ApplyReport, error) {
	if s.closed {
		return variant.ApplyReport{}, errors.Internal("session closed")
	}
	if err := ctx.Err(); err != nil {
		return variant.ApplyReport{}, err
	}

	keys := make([]string, 0, len(subs))
	for k := range subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var rep variant.ApplyReport
	for _, k := range keys {
		el := findByName(s.doc, k)
		if el == nil {
			rep.Missing = append(rep.Missing, k)
			continue
		}
		el["text"] = subs[k]
		rep.Applied = append(rep.Applied, k)
	}
	return rep, nil
}

// Save implements variant.Session.
func (s *session) Save(ctx context.Context) ([]byte, error) {
	if s.closed {
		return nil, errors.Internal("session closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scene, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "scenefile.Save", "encode scene")
	}
	if !s.archive {
		return scene, nil
	}

	if len(s.entries) == 0 {
		s.entries = []entry{{header: zip.FileHeader{Name: s.sceneName, Method: zip.Deflate}}}
		s.sceneIdx = 0
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, e := range s.entries {
		hdr := e.header
		data := e.data
		if i == s.sceneIdx {
			data = scene
		}
		w, err := zw.CreateHeader(&hdr)
		if err != nil {
			return nil, errors.Wrap(err, "scenefile.Save", "write "+hdr.Name)
		}
		if _, err := w.Write(data); err != nil {
			return nil, errors.Wrap(err, "scenefile.Save", "write "+hdr.Name)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "scenefile.Save", "finish archive")
	}
	return buf.Bytes(), nil
}

// Close implements variant.Session.
func (s *session) Close() error {
	s.closed = true
	s.doc = nil
	s.entries = nil
	return nil
}

func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, ok := doc.(map[string]any); !ok {
		if _, ok := doc.([]any); !ok {
			return nil, fmt.Errorf("scene root must be an object or array")
		}
	}
	return doc, nil
}

// findByName returns the first object whose "name" equals name.
func findByName(node any, name string) map[string]any {
	switch n := node.(type) {
	case map[string]any:
		if v, ok := n["name"].(string); ok && v == name {
			return n
		}
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if el := findByName(n[k], name); el != nil {
				return el
			}
		}
	case []any:
		for _, child := range n {
			if el := findByName(child, name); el != nil {
				return el
			}
		}
	}
	return nil
}

func isZip(raw []byte) bool {
	return len(raw) >= 4 && bytes.Equal(raw[:4], []byte("PK\x03\x04"))
}
