// Package processor orchestrates one variant render batch: materialize every
// variation, render each through the dispatcher under the batch policy,
// bundle the successful outputs and release every temporary file.
package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sceneforge/internal/adapters/editor/scenefile"
	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/ports"
	"sceneforge/internal/variant"
	"sceneforge/internal/worker/batch"
	"sceneforge/internal/worker/bundle"
	"sceneforge/internal/worker/cleanup"
	"sceneforge/internal/worker/dispatch"
	"sceneforge/internal/worker/jobspec"
	"sceneforge/internal/worker/util"
)

type Deps struct {
	// Editor edits base scenes. When nil the local scene file editor
	// matching each base's extension is used.
	Editor variant.Editor
	// MaxArchiveBytes caps the expanded size of a scene archive read by the
	// local editor.
	MaxArchiveBytes int64

	Render     jobspec.Config
	Dispatcher dispatch.Dispatcher
	Bundler    bundle.Bundler
	Policy     batch.Policy
	WorkRoot   string
	OnProgress func(batch.Event)
	Log        *logger.Logger

	// Used by ProcessBatch only.
	Store  ports.BatchStore
	Scenes ports.SceneStore
	SP     ports.StorageProvider
}

type Processor struct {
	editor     variant.Editor
	maxArchive int64
	shared     *variant.Materializer
	builder    *jobspec.Builder
	dispatcher dispatch.Dispatcher
	bundler    bundle.Bundler
	coord      *batch.Coordinator
	policy     batch.Policy
	workRoot   string
	log        *logger.Logger

	store  ports.BatchStore
	scenes ports.SceneStore
	sp     ports.StorageProvider
}

func New(d Deps) (*Processor, error) {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("processor")

	render := d.Render.WithDefaults()
	if err := render.Validate(); err != nil {
		return nil, errors.Wrap(err, "processor.New", "invalid render configuration")
	}

	p := &Processor{
		editor:     d.Editor,
		maxArchive: d.MaxArchiveBytes,
		builder:    jobspec.NewBuilder(render),
		dispatcher: d.Dispatcher,
		bundler:    d.Bundler,
		coord:      batch.NewCoordinator(log, d.OnProgress),
		policy:     d.Policy,
		workRoot:   d.WorkRoot,
		log:        log,
		store:      d.Store,
		scenes:     d.Scenes,
		sp:         d.SP,
	}
	if p.dispatcher == nil {
		disp, err := dispatch.New(render, log)
		if err != nil {
			return nil, err
		}
		p.dispatcher = disp
	}
	if p.dispatcher.Mode() != render.Mode {
		return nil, errors.Validationf("dispatcher mode %q does not match render mode %q", p.dispatcher.Mode(), render.Mode)
	}
	if p.bundler == nil {
		p.bundler = bundle.NewZipBundler(log)
	}
	if p.editor != nil {
		p.shared = variant.NewMaterializer(p.editor, log)
	}
	if p.workRoot == "" {
		p.workRoot = os.TempDir()
	}
	if p.policy.Mode == "" {
		p.policy = batch.Sequential()
	}
	return p, nil
}

// Request is one batch.
type Request struct {
	// BatchID names the batch in logs, job IDs and container names. A new
	// ID is generated when empty.
	BatchID    string
	ScenePath  string
	Variations []variant.Variation
	Options    jobspec.Options
	// Policy overrides the processor's default policy.
	Policy *batch.Policy
	// Bundle forces a bundle even for a single variation.
	Bundle bool
	// BundleName is the archive file name; "<batch id>.zip" by default.
	BundleName string
}

func (r Request) validate() error {
	if strings.TrimSpace(r.ScenePath) == "" {
		return errors.ValidationField("scene", "scene path is required")
	}
	info, err := os.Stat(r.ScenePath)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "processor.validate", "scene not readable").
			WithField("scene", r.ScenePath)
	}
	if !info.Mode().IsRegular() {
		return errors.ValidationField("scene", "scene must be a regular file")
	}
	if len(r.Variations) == 0 {
		return errors.ValidationField("variations", "at least one variation is required")
	}
	seen := make(map[string]bool, len(r.Variations))
	for _, v := range r.Variations {
		if v.ID() == "" {
			return errors.ValidationField("variations", "variation without id")
		}
		if seen[v.ID()] {
			return errors.ValidationField("variations", fmt.Sprintf("duplicate variation id %q", v.ID()))
		}
		seen[v.ID()] = true
	}
	if r.BundleName != "" && (r.BundleName != filepath.Base(r.BundleName) || r.BundleName == "." || r.BundleName == "..") {
		return errors.ValidationField("bundle_name", "bundle name must be a plain file name")
	}
	return r.Options.Validate()
}

// Result is a finished batch. OutputPath is the file to deliver: the bundle,
// or the only output when a single variation was rendered without bundling.
// It lives in the batch workspace until Release.
type Result struct {
	BatchID    string
	Batch      *batch.Batch
	Bundle     *bundle.Bundle
	OutputPath string
	Workspace  string

	scope *cleanup.Scope
}

// Release deletes the workspace and everything in it. Safe to call more than
// once and on a nil Result.
func (r *Result) Release() {
	if r == nil || r.scope == nil {
		return
	}
	r.scope.Release()
}

// Bundled reports whether OutputPath is a bundle.
func (r *Result) Bundled() bool {
	return r != nil && r.Bundle != nil
}

// Process runs one batch. Per-variation failures are reported in
// Result.Batch; only setup errors, a batch with no successful render,
// cancellation and bundling errors are returned. When both a Result and an
// error are returned the Result only carries statuses and has already been
// released.
func (p *Processor) Process(ctx context.Context, req Request) (res *Result, err error) {
	batchID := req.BatchID
	if batchID == "" {
		batchID = util.NewID("bat")
	}
	ctx = logger.ContextWithBatchID(ctx, batchID)
	log := p.log.FromContext(ctx)

	// 1. Validar
	if err := req.validate(); err != nil {
		return nil, err
	}
	opts := req.Options
	opts.BatchID = batchID

	// 2. Workspace
	scope := cleanup.NewScope(p.log)
	defer func() {
		if rec := recover(); rec != nil {
			scope.Release()
			panic(rec)
		}
	}()

	ws, err := newWorkspace(p.workRoot, batchID, scope, p.dispatcher.Mode() == jobspec.ModeContainer)
	if err != nil {
		scope.Release()
		return nil, err
	}
	res = &Result{BatchID: batchID, Workspace: ws.dir, scope: scope}

	// 3. Render
	m := p.materializerFor(req.ScenePath)
	tasks := make([]batch.Task, len(req.Variations))
	for i, v := range req.Variations {
		tasks[i] = batch.Task{
			VariationID: v.ID(),
			Run: func(ctx context.Context) dispatch.Outcome {
				return p.render(ctx, m, req.ScenePath, v, opts, ws, scope)
			},
		}
	}

	policy := p.policy
	if req.Policy != nil {
		policy = *req.Policy
	}
	start := time.Now()
	res.Batch = p.coord.Run(ctx, tasks, policy)

	if err := ctx.Err(); err != nil {
		scope.Release()
		return res, errors.WrapWithCode(err, errors.CodeCanceled, "processor.Process", "batch canceled").
			WithField("succeeded", res.Batch.Summary.Succeeded)
	}

	// 4. Sin éxitos no hay bundle
	paths := res.Batch.OutputPaths()
	if len(paths) == 0 {
		scope.Release()
		log.Error("no variation rendered", "total", res.Batch.Summary.Total)
		return res, errors.NoSuccess(res.Batch.Summary.Total)
	}

	// 5. Entrega
	if len(req.Variations) == 1 && !req.Bundle {
		res.OutputPath = paths[0]
		log.Info("batch delivered", "output", res.OutputPath, "duration_ms", time.Since(start).Milliseconds())
		return res, nil
	}

	name := req.BundleName
	if name == "" {
		name = batchID + ".zip"
	}
	dest := filepath.Join(ws.dir, name)
	scope.Track(dest)
	bd, err := p.bundler.Bundle(ctx, dest, paths)
	if err != nil {
		scope.Release()
		return res, err
	}
	res.Bundle = bd
	res.OutputPath = bd.Path

	log.Info("batch delivered",
		"bundle", bd.Path,
		"entries", len(bd.Entries),
		"succeeded", res.Batch.Summary.Succeeded,
		"failed", res.Batch.Summary.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (p *Processor) materializerFor(scenePath string) *variant.Materializer {
	if p.shared != nil {
		return p.shared
	}
	return variant.NewMaterializer(scenefile.ForPath(scenePath, scenefile.WithMaxArchiveBytes(p.maxArchive)), p.log)
}

// render runs one variation. The materialized scene is released as soon as
// the engine is done with it; a failed render also releases its output
// directory.
func (p *Processor) render(ctx context.Context, m *variant.Materializer, base string, v variant.Variation, opts jobspec.Options, ws *workspace, scope *cleanup.Scope) dispatch.Outcome {
	start := time.Now()

	doc, err := m.Materialize(ctx, base, v, ws.scenes, scope)
	if err != nil {
		if ctx.Err() != nil {
			return dispatch.Failure(dispatch.ReasonCanceled, ctx.Err().Error())
		}
		o := dispatch.Failure(dispatch.ReasonMaterialization, err.Error())
		o.DurationMS = time.Since(start).Milliseconds()
		return o
	}
	defer doc.Release()
	if err := ws.shareInput(doc.Path); err != nil {
		return dispatch.Failure(dispatch.ReasonInternal, err.Error())
	}

	outDir, out, err := ws.jobOutputDir(v.ID(), scope)
	if err != nil {
		return dispatch.Failure(dispatch.ReasonInternal, err.Error())
	}

	d, err := p.builder.Build(doc, v, opts, outDir)
	if err != nil {
		out.Release()
		return dispatch.Failure(dispatch.ReasonInternal, err.Error())
	}

	o := p.dispatcher.Dispatch(ctx, d)
	if !o.OK() {
		out.Release()
	}
	return o
}
