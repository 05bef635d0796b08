package jobspec

import (
	"fmt"
	"strings"
	"time"

	"sceneforge/internal/pkg/errors"
)

// Mode selects how the render engine is launched.
type Mode string

const (
	ModeProcess   Mode = "process"
	ModeContainer Mode = "container"
)

// Device is the engine's render device selector.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceGPU  Device = "gpu"
)

// Defaults applied by Config.WithDefaults.
const (
	DefaultTimeout        = 300 * time.Second
	DefaultGrace          = 5 * time.Second
	DefaultMaxOutputBytes = 64 << 10
	DefaultLicenseEnv     = "CESDK_LICENSE"
	DefaultRuntime        = "docker"
	DefaultFormat         = "png"
)

// Encoder override variables understood by the engine.
const (
	EnvH264Encoder = "UBQ_AV_OVERRIDE_H264_ENCODER"
	EnvH265Encoder = "UBQ_AV_OVERRIDE_H265_ENCODER"
)

// Config is the render section of the service configuration. It is passed
// explicitly to the Builder and the dispatchers; nothing here is read from
// the process environment at render time.
type Config struct {
	Mode Mode `yaml:"mode"`

	// EnginePath is the engine binary for process mode.
	EnginePath string `yaml:"engine_path"`
	// WorkDir is the working directory of engine processes.
	WorkDir string `yaml:"workdir"`

	// Runtime is the container CLI for container mode.
	Runtime string `yaml:"runtime"`
	Image   string `yaml:"image"`
	// GPUs is passed as --gpus when not empty (e.g. "all").
	GPUs string `yaml:"gpus"`

	License    string `yaml:"license"`
	LicenseEnv string `yaml:"license_env"`

	BaseEnv          map[string]string `yaml:"env"`
	EncoderOverrides map[string]string `yaml:"encoder_overrides"`

	DefaultFormat  string        `yaml:"format"`
	DefaultTimeout time.Duration `yaml:"timeout"`
	Grace          time.Duration `yaml:"grace"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
}

// WithDefaults returns a copy of c with zero values filled in.
func (c Config) WithDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeProcess
	}
	if c.Runtime == "" {
		c.Runtime = DefaultRuntime
	}
	if c.LicenseEnv == "" {
		c.LicenseEnv = DefaultLicenseEnv
	}
	if c.DefaultFormat == "" {
		c.DefaultFormat = DefaultFormat
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return c
}

// Validate checks that the selected mode has what it needs to launch.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeProcess:
		if strings.TrimSpace(c.EnginePath) == "" {
			return errors.ValidationField("render.engine_path", "engine path is required in process mode")
		}
	case ModeContainer:
		if strings.TrimSpace(c.Image) == "" {
			return errors.ValidationField("render.image", "image is required in container mode")
		}
	default:
		return errors.ValidationField("render.mode", fmt.Sprintf("unknown render mode %q", c.Mode))
	}
	if !validFormat(c.DefaultFormat) {
		return errors.ValidationField("render.format", fmt.Sprintf("invalid output format %q", c.DefaultFormat))
	}
	return nil
}

func validFormat(f string) bool {
	if f == "" || len(f) > 8 {
		return false
	}
	for _, r := range f {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
