// Package variant turns a base scene plus a Variation into a standalone
// scene document on disk.
//
// The scene editing itself is delegated to an Editor. The Materializer only
// guarantees the session lifecycle: a fresh Load of the base for every
// variation, one session at a time, and Close on every path.
package variant

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/worker/cleanup"
)

// Editor opens editing sessions on a base scene.
type Editor interface {
	// Load opens a new session on the scene at base. Sessions never share
	// state with each other.
	Load(ctx context.Context, base string) (Session, error)
	// Extension is the file extension of saved documents, including the dot.
	Extension() string
}

// Session is one editing session.
type Session interface {
	Apply(ctx context.Context, subs map[string]string) (ApplyReport, error)
	Save(ctx context.Context) ([]byte, error)
	Close() error
}

// ApplyReport lists which substitution keys matched a named element.
type ApplyReport struct {
	Applied []string
	Missing []string
}

// Document is a materialized scene for one variation.
type Document struct {
	VariationID string
	Path        string

	artifact *cleanup.Artifact
}

// Release deletes the document. Safe to call more than once.
func (d Document) Release() {
	if d.artifact != nil {
		d.artifact.Release()
	}
}

// Materializer writes one scene document per variation.
type Materializer struct {
	editor Editor
	log    *logger.Logger

	// mu serializes editing sessions; editors may keep engine-wide state.
	mu sync.Mutex
}

// NewMaterializer returns a Materializer backed by editor.
func NewMaterializer(editor Editor, log *logger.Logger) *Materializer {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Materializer{editor: editor, log: log.WithComponent("materializer")}
}

// Extension returns the extension of produced documents.
func (m *Materializer) Extension() string {
	return m.editor.Extension()
}

// Materialize applies v to a fresh load of base and writes the result to
// <dir>/<id><ext>. The file is tracked by scope before anything is written.
// Substitution keys that match nothing are logged and skipped.
func (m *Materializer) Materialize(ctx context.Context, base string, v Variation, dir string, scope *cleanup.Scope) (Document, error) {
	log := m.log.FromContext(ctx).WithVariation(v.ID())

	if err := ctx.Err(); err != nil {
		return Document{}, errors.Materialization(v.ID(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.editor.Load(ctx, base)
	if err != nil {
		return Document{}, errors.Materialization(v.ID(), err).WithField("step", "load")
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn("editor session close failed", "error", cerr.Error())
		}
	}()

	report, err := sess.Apply(ctx, v.Substitutions())
	if err != nil {
		return Document{}, errors.Materialization(v.ID(), err).WithField("step", "apply")
	}
	if len(report.Missing) > 0 {
		log.Warn("substitution keys not found in scene", "missing", report.Missing)
	}

	data, err := sess.Save(ctx)
	if err != nil {
		return Document{}, errors.Materialization(v.ID(), err).WithField("step", "save")
	}

	path := filepath.Join(dir, v.ID()+m.editor.Extension())
	art := scope.Track(path)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		art.Release()
		return Document{}, errors.Materialization(v.ID(), err).WithField("step", "write")
	}

	log.Debug("variant materialized", "path", path, "bytes", len(data), "applied", len(report.Applied))
	return Document{VariationID: v.ID(), Path: path, artifact: art}, nil
}
