package processor

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/worker/cleanup"
)

// fetchScene descarga la escena base del storage a un directorio temporal
// registrado en scope.
func (p *Processor) fetchScene(ctx context.Context, batchID, sceneID string, scope *cleanup.Scope) (string, error) {
	scene, err := p.scenes.GetScene(ctx, sceneID)
	if err != nil {
		return "", errors.Wrap(err, "processor.inputs", "scene lookup failed").
			WithField("scene_id", sceneID)
	}

	if err := os.MkdirAll(p.workRoot, 0o755); err != nil {
		return "", errors.Wrap(err, "processor.inputs", "create work root")
	}
	dir, err := os.MkdirTemp(p.workRoot, WorkspacePrefix+SanitizeFilename(batchID)+"-input-")
	if err != nil {
		return "", errors.Wrap(err, "processor.inputs", "create input dir")
	}
	scope.TrackDir(dir)

	rc, _, _, err := p.sp.GetObject(ctx, scene.ObjectKey)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeUnavailable, "processor.inputs", "download scene").
			WithField("object_key", scene.ObjectKey)
	}
	defer rc.Close()

	ext := filepath.Ext(scene.Name)
	if ext == "" {
		ext = ExtFromMime(scene.Mime)
	}
	if ext == "" {
		ext = ".scene"
	}
	path := filepath.Join(dir, "base"+ext)

	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "processor.inputs", "save scene")
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return "", errors.Wrap(err, "processor.inputs", "save scene")
	}
	return path, f.Close()
}
