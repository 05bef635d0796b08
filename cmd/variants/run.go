package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"sceneforge/internal/config"
	"sceneforge/internal/models"
	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/repositories"
	"sceneforge/internal/variant"
	"sceneforge/internal/worker/jobspec"
	"sceneforge/internal/worker/processor"
	"sceneforge/internal/worker/util"
)

type options struct {
	configPath string
	scene      string
	variations string
	out        string
	policy     string
	limit      int
	timeout    time.Duration
	bundle     bool
	bundleName string
	device     string
	dpi        int
	format     string
	engine     string
	history    string
	verbose    bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("variants", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "YAML config file (default $SCENEFORGE_CONFIG)")
	fs.StringVar(&o.scene, "scene", "", "base scene (.scene or .zip)")
	fs.StringVar(&o.variations, "variations", "", "YAML or JSON variations file (default: five-city demo set)")
	fs.StringVar(&o.out, "out", ".", "directory for the bundle or single output")
	fs.StringVar(&o.policy, "policy", "", "batch policy: sequential or parallel")
	fs.IntVar(&o.limit, "limit", 0, "parallel limit (0 = no limit)")
	fs.DurationVar(&o.timeout, "timeout", 0, "per-render timeout")
	fs.BoolVar(&o.bundle, "bundle", false, "bundle even a single variation")
	fs.StringVar(&o.bundleName, "bundle-name", "", "bundle file name (default <batch id>.zip)")
	fs.StringVar(&o.device, "device", "", "render device: auto, cpu or gpu")
	fs.IntVar(&o.dpi, "dpi", 0, "output dpi")
	fs.StringVar(&o.format, "format", "", "output format (default from config)")
	fs.StringVar(&o.engine, "engine", "", "render engine binary (overrides config)")
	fs.StringVar(&o.history, "history", "", "SQLite history database (overrides HISTORY_DB)")
	fs.BoolVar(&o.verbose, "v", false, "verbose engine output and debug logs")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.scene == "" {
		fs.Usage()
		return o, errors.ValidationField("scene", "-scene is required")
	}
	return o, nil
}

// loadVariations reads a variations file: either a list of {id,
// substitutions} or a document with a top-level "variations" list.
func loadVariations(path string) ([]variant.Variation, error) {
	if path == "" {
		return variant.Cities(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "variants.load", "read variations file")
	}

	var doc struct {
		Variations []variant.Spec `yaml:"variations"`
	}
	if err := yaml.Unmarshal(raw, &doc); err == nil && len(doc.Variations) > 0 {
		return variant.FromSpecs(doc.Variations)
	}
	var specs []variant.Spec
	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "variants.load", "parse variations file").
			WithField("path", path)
	}
	return variant.FromSpecs(specs)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return exitUsage
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintln(stderr, "variants:", err)
		return exitUsage
	}
	if o.engine != "" {
		cfg.Render.Mode = jobspec.ModeProcess
		cfg.Render.EnginePath = o.engine
	}
	if o.policy != "" {
		cfg.Batch.Policy = o.policy
		cfg.Batch.Limit = o.limit
	}
	if o.history != "" {
		cfg.HistoryDB = o.history
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: "text", Output: stderr, ServiceName: "variants"})

	variations, err := loadVariations(o.variations)
	if err != nil {
		fmt.Fprintln(stderr, "variants:", err)
		return exitUsage
	}

	p, err := processor.FromConfig(cfg, processor.Deps{Log: log})
	if err != nil {
		fmt.Fprintln(stderr, "variants:", err)
		return exitUsage
	}

	var history *repositories.SQLiteStore
	if cfg.HistoryDB != "" {
		history, err = repositories.OpenSQLite(ctx, cfg.HistoryDB)
		if err != nil {
			fmt.Fprintln(stderr, "variants:", err)
			return exitFailed
		}
		defer history.Close()
	}

	batchID := util.NewID("bat")
	rec := &models.Batch{
		ID:        batchID,
		SceneID:   filepath.Base(o.scene),
		Status:    models.BatchRunning,
		Policy:    cfg.Batch.Policy,
		Total:     len(variations),
		CreatedAt: time.Now().UTC(),
	}
	if history != nil {
		if err := history.CreateBatch(ctx, rec); err != nil {
			log.Warn("history not recorded", "error", err.Error())
			history = nil
		}
	}

	start := time.Now()
	res, err := p.Process(ctx, processor.Request{
		BatchID:    batchID,
		ScenePath:  o.scene,
		Variations: variations,
		Options: jobspec.Options{
			Device:  jobspec.Device(o.device),
			DPI:     o.dpi,
			Format:  o.format,
			Verbose: o.verbose,
			Timeout: o.timeout,
		},
		Bundle:     o.bundle,
		BundleName: o.bundleName,
	})
	defer res.Release()

	var delivered string
	if err == nil {
		delivered, err = deliver(res.OutputPath, o.out)
	}

	if res != nil && res.Batch != nil {
		printSummary(stdout, res.Batch, time.Since(start))
	}
	if history != nil {
		record(ctx, history, rec, res, delivered, err, log)
	}
	if err != nil {
		fmt.Fprintln(stderr, "variants:", err)
		return exitFailed
	}

	fmt.Fprintln(stdout, delivered)
	if res.Batch.Summary.Failed > 0 {
		return exitPartial
	}
	return exitOK
}

// deliver copies the artifact out of the batch workspace.
func deliver(src, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "variants.deliver", "create output dir")
	}
	dest := filepath.Join(dir, filepath.Base(src))

	in, err := os.Open(src)
	if err != nil {
		return "", errors.Wrap(err, "variants.deliver", "open artifact")
	}
	defer in.Close()

	tmp, err := os.CreateTemp(dir, ".variants-*")
	if err != nil {
		return "", errors.Wrap(err, "variants.deliver", "create output")
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "variants.deliver", "copy artifact")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "variants.deliver", "copy artifact")
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "variants.deliver", "copy artifact")
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "variants.deliver", "move artifact")
	}
	return dest, nil
}

func record(ctx context.Context, store *repositories.SQLiteStore, b *models.Batch, res *processor.Result, delivered string, cause error, log *logger.Logger) {
	b.Status = models.BatchDone
	if cause != nil {
		b.Status = models.BatchFailed
		b.ErrorCode = string(errors.GetCode(cause))
		b.ErrorText = cause.Error()
	}
	var outcomes []models.Outcome
	if res != nil && res.Batch != nil {
		s := res.Batch.Summary
		b.Total, b.Succeeded, b.Failed = s.Total, s.Succeeded, s.Failed
		outcomes = processor.Outcomes(res.Batch)
	}
	if delivered != "" {
		b.BundleKey = delivered
		b.BundleName = filepath.Base(delivered)
		if st, err := os.Stat(delivered); err == nil {
			b.BundleSize = st.Size()
		}
		if res.Bundle != nil {
			b.BundleChecksum = res.Bundle.Checksum
		}
	}
	if err := store.Finish(context.WithoutCancel(ctx), b, outcomes); err != nil {
		log.Warn("history not recorded", "error", err.Error())
	}
}
