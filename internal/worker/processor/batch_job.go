package processor

import (
	"context"
	"path/filepath"

	batchv1 "sceneforge/internal/contracts/batch/v1"
	"sceneforge/internal/models"
	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/worker/batch"
	"sceneforge/internal/worker/cleanup"
)

// ProcessBatch runs a queued batch end to end: load it from the store,
// download its scene, render, upload the artifact and record the outcomes.
func (p *Processor) ProcessBatch(ctx context.Context, batchID string) error {
	if p.store == nil || p.scenes == nil || p.sp == nil {
		return errors.Internal("processor has no store or storage configured")
	}
	log := p.log.FromContext(ctx).WithBatchID(batchID)

	// 1. Obtener el batch
	b, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return errors.Wrap(err, "processor.fetch", "failed to fetch batch")
	}
	if b.Terminal() {
		log.Warn("batch already finished, skipping", "status", string(b.Status))
		return nil
	}

	// 2. Parsear el request
	req, err := batchv1.Parse(b.Request)
	if err != nil {
		return p.failBatch(ctx, b, nil, err)
	}
	variations, err := req.BuildVariations()
	if err != nil {
		return p.failBatch(ctx, b, nil, err)
	}
	policy, err := req.BatchPolicy()
	if err != nil {
		return p.failBatch(ctx, b, nil, err)
	}

	// 3. Marcar como running
	if err := p.store.MarkRunning(ctx, batchID); err != nil {
		return p.failBatch(ctx, b, nil, errors.Wrap(err, "processor.status", "failed to mark batch as running"))
	}

	// 4. Descargar la escena
	scope := cleanup.NewScope(p.log)
	defer scope.Release()
	scenePath, err := p.fetchScene(ctx, batchID, b.SceneID, scope)
	if err != nil {
		return p.failBatch(ctx, b, nil, err)
	}

	// 5. Renderizar
	res, err := p.Process(ctx, Request{
		BatchID:    batchID,
		ScenePath:  scenePath,
		Variations: variations,
		Options:    req.Options.Jobspec(),
		Policy:     policy,
		Bundle:     req.Bundle,
	})
	defer res.Release()
	if err != nil {
		return p.failBatch(ctx, b, res, err)
	}

	// 6. Subir el artefacto
	up, err := p.deliver(ctx, res)
	if err != nil {
		return p.failBatch(ctx, b, res, err)
	}

	// 7. Guardar resultado
	b.Status = models.BatchDone
	b.BundleKey, b.BundleName, b.BundleSize, b.BundleChecksum = up.key, up.name, up.size, up.checksum
	b.ErrorCode, b.ErrorText = "", ""
	counts(b, res)
	if err := p.store.Finish(context.WithoutCancel(ctx), b, Outcomes(res.Batch)); err != nil {
		return errors.Wrap(err, "processor.save", "failed to save batch result")
	}
	log.Info("batch done",
		"succeeded", b.Succeeded,
		"failed", b.Failed,
		"bundle_key", b.BundleKey,
	)
	return nil
}

func counts(b *models.Batch, res *Result) {
	if res == nil || res.Batch == nil {
		return
	}
	b.Total = res.Batch.Summary.Total
	b.Succeeded = res.Batch.Summary.Succeeded
	b.Failed = res.Batch.Summary.Failed
}

// Outcomes converts batch results to their persisted form.
func Outcomes(bt *batch.Batch) []models.Outcome {
	if bt == nil {
		return nil
	}
	out := make([]models.Outcome, len(bt.Results))
	for i, r := range bt.Results {
		o := models.Outcome{
			Position:    i,
			VariationID: r.VariationID,
			Status:      string(r.Outcome.Status),
			Reason:      string(r.Outcome.Reason),
			ExitCode:    r.Outcome.ExitCode,
			Signal:      r.Outcome.Signal,
			Stderr:      r.Outcome.Stderr,
			DurationMS:  r.Outcome.DurationMS,
		}
		if r.Outcome.OK() {
			o.OutputName = filepath.Base(r.Outcome.OutputPath)
		} else if o.Stderr == "" {
			o.Stderr = r.Outcome.Detail
		}
		out[i] = o
	}
	return out
}

func (p *Processor) failBatch(ctx context.Context, b *models.Batch, res *Result, cause error) error {
	log := p.log.FromContext(ctx).WithBatchID(b.ID)

	msg := ""
	if cause != nil {
		msg = cause.Error()
		if len(msg) > 2000 {
			msg = msg[:2000]
		}

		var sfErr *errors.Error
		if errors.As(cause, &sfErr) {
			log.Error("batch failed",
				"code", string(sfErr.Code),
				"op", sfErr.Op,
				"message", sfErr.Message,
			)
		} else {
			log.Error("batch failed", "error", msg)
		}
	}

	b.Status = models.BatchFailed
	b.ErrorCode = string(errors.GetCode(cause))
	b.ErrorText = msg
	var outcomes []models.Outcome
	if res != nil {
		counts(b, res)
		outcomes = Outcomes(res.Batch)
	}
	if err := p.store.Finish(context.WithoutCancel(ctx), b, outcomes); err != nil {
		log.Warn("failed to record batch failure", "error", err.Error())
	}
	return cause
}
