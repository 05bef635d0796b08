// Package jobspec turns a materialized document into the exact command
// line, environment and limits of one render engine invocation.
package jobspec

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/variant"
)

// Container-side mount points.
const (
	ContainerInputDir  = "/input"
	ContainerOutputDir = "/output"
)

// Options are the per-request render options.
type Options struct {
	BatchID string            `json:"-"`
	Device  Device            `json:"device,omitempty"`
	DPI     int               `json:"dpi,omitempty"`
	Format  string            `json:"format,omitempty"`
	Texts   map[string]string `json:"texts,omitempty"`
	Verbose bool              `json:"verbose,omitempty"`
	Timeout time.Duration     `json:"-"`
	Env     map[string]string `json:"env,omitempty"`
}

// Validate checks the caller-supplied options.
func (o Options) Validate() error {
	switch o.Device {
	case "", DeviceAuto, DeviceCPU, DeviceGPU:
	default:
		return errors.ValidationField("options.device", fmt.Sprintf("unknown render device %q", o.Device))
	}
	if o.DPI < 0 {
		return errors.ValidationField("options.dpi", "dpi must not be negative")
	}
	if o.Format != "" && !validFormat(o.Format) {
		return errors.ValidationField("options.format", fmt.Sprintf("invalid output format %q", o.Format))
	}
	if o.Timeout < 0 {
		return errors.ValidationField("options.timeout", "timeout must not be negative")
	}
	for k := range o.Texts {
		if k == "" || strings.ContainsAny(k, "=\n") {
			return errors.ValidationField("options.texts", fmt.Sprintf("invalid text key %q", k))
		}
	}
	for k := range o.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return errors.ValidationField("options.env", fmt.Sprintf("invalid env name %q", k))
		}
	}
	return nil
}

// Mount is a host file or directory bound into the engine container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Descriptor is everything needed to run one render. Treat it as a value;
// the Builder never shares its maps or slices between descriptors.
type Descriptor struct {
	JobID       string
	VariationID string
	Mode        Mode

	Program string
	Args    []string
	// Env is the overlay applied on top of the dispatcher's environment.
	Env map[string]string
	Dir string

	// InputPath and OutputPath are host paths.
	InputPath  string
	OutputPath string

	Mounts        []Mount
	ContainerName string
	Runtime       string

	Timeout        time.Duration
	Grace          time.Duration
	MaxOutputBytes int
}

// Environ returns parent with the overlay applied. Overlay keys replace any
// existing entry; they are appended in sorted order.
func (d Descriptor) Environ(parent []string) []string {
	out := make([]string, 0, len(parent)+len(d.Env))
	for _, kv := range parent {
		k, _, _ := strings.Cut(kv, "=")
		if _, over := d.Env[k]; over {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range sortedKeys(d.Env) {
		out = append(out, k+"="+d.Env[k])
	}
	return out
}

// Builder builds descriptors from a fixed Config.
type Builder struct {
	cfg Config
}

// NewBuilder returns a Builder for cfg (defaults applied).
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg.WithDefaults()}
}

// Config returns the effective configuration.
func (b *Builder) Config() Config {
	return b.cfg
}

// OutputName returns the file name the engine writes for v.
func (b *Builder) OutputName(v variant.Variation, opts Options) string {
	return v.ID() + "." + b.format(opts)
}

func (b *Builder) format(opts Options) string {
	if opts.Format != "" {
		return opts.Format
	}
	return b.cfg.DefaultFormat
}

// Build returns the descriptor for rendering doc into outputDir. It has no
// side effects and the same inputs always give the same descriptor.
// In container mode outputDir is mounted read-write, so it must belong to
// this job alone.
func (b *Builder) Build(doc variant.Document, v variant.Variation, opts Options, outputDir string) (Descriptor, error) {
	if doc.VariationID != v.ID() {
		return Descriptor{}, errors.Validationf("document %q does not belong to variation %q", doc.VariationID, v.ID())
	}
	if doc.Path == "" || outputDir == "" {
		return Descriptor{}, errors.Validation("document path and output dir are required")
	}
	if err := opts.Validate(); err != nil {
		return Descriptor{}, err
	}
	if err := b.cfg.Validate(); err != nil {
		return Descriptor{}, err
	}

	jobID := v.ID()
	if opts.BatchID != "" {
		jobID = opts.BatchID + "-" + v.ID()
	}

	d := Descriptor{
		JobID:          jobID,
		VariationID:    v.ID(),
		Mode:           b.cfg.Mode,
		Env:            b.envOverlay(opts),
		InputPath:      doc.Path,
		OutputPath:     filepath.Join(outputDir, b.OutputName(v, opts)),
		Timeout:        b.cfg.DefaultTimeout,
		Grace:          b.cfg.Grace,
		MaxOutputBytes: b.cfg.MaxOutputBytes,
	}
	if opts.Timeout > 0 {
		d.Timeout = opts.Timeout
	}

	switch b.cfg.Mode {
	case ModeContainer:
		b.containerize(&d, opts)
	default:
		d.Program = b.cfg.EnginePath
		d.Dir = b.cfg.WorkDir
		d.Args = engineArgs(d.InputPath, d.OutputPath, opts)
	}
	return d, nil
}

// containerize wraps the engine call in "<runtime> run". The container sees
// only its own input file (read-only) and its own output directory.
// Variables are passed as bare -e KEY so their values come from the runtime
// CLI's own environment and never appear on a command line.
func (b *Builder) containerize(d *Descriptor, opts Options) {
	input := path.Join(ContainerInputDir, filepath.Base(d.InputPath))
	d.Mounts = []Mount{
		{Source: d.InputPath, Target: input, ReadOnly: true},
		{Source: filepath.Dir(d.OutputPath), Target: ContainerOutputDir},
	}
	d.ContainerName = "sceneforge-" + d.JobID
	d.Runtime = b.cfg.Runtime
	d.Program = b.cfg.Runtime

	args := []string{"run", "--rm", "--name", d.ContainerName}
	for _, m := range d.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", m.Source+":"+m.Target+":"+mode)
	}
	if b.cfg.GPUs != "" {
		args = append(args, "--gpus", b.cfg.GPUs)
	}
	for _, k := range sortedKeys(d.Env) {
		args = append(args, "-e", k)
	}
	args = append(args, b.cfg.Image)
	args = append(args, engineArgs(
		input,
		path.Join(ContainerOutputDir, filepath.Base(d.OutputPath)),
		opts,
	)...)
	d.Args = args
}

func (b *Builder) envOverlay(opts Options) map[string]string {
	env := make(map[string]string, len(b.cfg.BaseEnv)+len(b.cfg.EncoderOverrides)+len(opts.Env)+2)
	for k, v := range b.cfg.BaseEnv {
		env[k] = v
	}
	if b.cfg.License != "" {
		env[b.cfg.LicenseEnv] = b.cfg.License
	}
	for k, v := range b.cfg.EncoderOverrides {
		env[k] = v
	}
	if opts.Verbose {
		env["VERBOSE"] = "1"
	}
	for k, v := range opts.Env {
		env[k] = v
	}
	return env
}

func engineArgs(input, output string, opts Options) []string {
	device := opts.Device
	if device == "" {
		device = DeviceAuto
	}
	args := []string{
		"--input", input,
		"--output", output,
		"--render-device", string(device),
	}
	if opts.DPI > 0 {
		args = append(args, "--dpi", strconv.Itoa(opts.DPI))
	}
	for _, k := range sortedKeys(opts.Texts) {
		args = append(args, "--text", k+"="+opts.Texts[k])
	}
	if opts.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
