package processor

import (
	"sceneforge/internal/adapters/editor/remote"
	"sceneforge/internal/config"
	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/variant"
	"sceneforge/internal/worker/bundle"
)

// FromConfig fills the render side of d from cfg and builds the processor.
// Fields already set on d win.
func FromConfig(cfg config.Config, d Deps) (*Processor, error) {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
		d.Log = log
	}
	if err := cfg.ValidateRender(); err != nil {
		return nil, err
	}

	d.Render = cfg.Render
	if d.WorkRoot == "" {
		d.WorkRoot = cfg.WorkRoot
	}
	if d.Policy.Mode == "" {
		p, err := cfg.Policy()
		if err != nil {
			return nil, err
		}
		d.Policy = p
	}
	if d.Bundler == nil {
		b, err := bundle.New(cfg.Batch.Bundler, log)
		if err != nil {
			return nil, err
		}
		d.Bundler = b
	}
	if d.Editor == nil {
		d.Editor = EditorFor(cfg.Editor, log)
	}
	if d.MaxArchiveBytes == 0 {
		d.MaxArchiveBytes = cfg.Editor.MaxArchiveBytes
	}
	return New(d)
}

// EditorFor returns the configured editor, or nil for the local scene file
// editor, which is picked per base scene.
func EditorFor(cfg config.EditorConfig, log *logger.Logger) variant.Editor {
	if cfg.Kind == "remote" {
		return remote.NewEditor(cfg.URL, log)
	}
	return nil
}
