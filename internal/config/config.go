// Package config assembles the service configuration: built-in defaults,
// then an optional YAML file, then environment overrides. The result is
// passed explicitly to every component.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/worker/batch"
	"sceneforge/internal/worker/jobspec"
	"sceneforge/internal/worker/util"
)

// FileEnv names the YAML configuration file.
const FileEnv = "SCENEFORGE_CONFIG"

type HTTPConfig struct {
	Port           string        `yaml:"port"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// MaxUploadBytes bounds multipart scene uploads.
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

type GDriveConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	FolderID     string `yaml:"folder_id"`
}

type StorageConfig struct {
	Provider  string       `yaml:"provider"`
	LocalRoot string       `yaml:"local_root"`
	GDrive    GDriveConfig `yaml:"gdrive"`
}

type BatchConfig struct {
	Policy string `yaml:"policy"`
	Limit  int    `yaml:"limit"`
	// Bundler is "zip" (in process) or "command" (external zip).
	Bundler string `yaml:"bundler"`
}

type EditorConfig struct {
	// Kind is "scenefile" (local) or "remote".
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
	// MaxArchiveBytes caps the expanded size of a scene archive.
	MaxArchiveBytes int64 `yaml:"max_archive_bytes"`
}

type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type Config struct {
	HTTP        HTTPConfig    `yaml:"http"`
	DatabaseURL string        `yaml:"database_url"`
	RedisAddr   string        `yaml:"redis_addr"`
	QueueName   string        `yaml:"queue_name"`
	Storage     StorageConfig `yaml:"storage"`
	WorkRoot    string        `yaml:"work_root"`
	// SweepAge is the age past which leftover batch workspaces are removed
	// at worker start.
	SweepAge    time.Duration `yaml:"sweep_age"`

	Render    jobspec.Config `yaml:"render"`
	Batch     BatchConfig    `yaml:"batch"`
	Editor    EditorConfig   `yaml:"editor"`
	HistoryDB string         `yaml:"history_db"`
	Log       LogConfig      `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:           "8080",
			RequestTimeout: 30 * time.Minute,
			MaxUploadBytes: 512 << 20,
		},
		QueueName: "sceneforge:batches",
		Storage:   StorageConfig{Provider: "localfs", LocalRoot: "/data"},
		WorkRoot:  os.TempDir(),
		SweepAge:  6 * time.Hour,
		Render:    jobspec.Config{}.WithDefaults(),
		Batch:     BatchConfig{Policy: string(batch.ModeSequential), Bundler: "zip"},
		Editor:    EditorConfig{Kind: "scenefile"},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// Load returns Default overlaid with the YAML file at path (or at
// $SCENEFORGE_CONFIG when path is empty) and then with the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = util.Env(FileEnv, "")
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	cfg.Render = cfg.Render.WithDefaults()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "config.Load", "read config file").WithField("path", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return errors.WrapWithCode(err, errors.CodeValidation, "config.Load", "parse config file").WithField("path", path)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTP.Port = util.Env("HTTP_PORT", c.HTTP.Port)
	if v := util.Env("CORS_ORIGINS", ""); v != "" {
		c.HTTP.CORSOrigins = splitList(v)
	}
	c.HTTP.RequestTimeout = util.DurationEnv("HTTP_REQUEST_TIMEOUT", c.HTTP.RequestTimeout)
	c.DatabaseURL = util.Env("DATABASE_URL", c.DatabaseURL)
	c.RedisAddr = util.Env("REDIS_ADDR", c.RedisAddr)
	c.QueueName = util.Env("JOB_QUEUE_NAME", c.QueueName)

	c.Storage.Provider = util.Env("STORAGE_PROVIDER", c.Storage.Provider)
	c.Storage.LocalRoot = util.Env("STORAGE_LOCAL_ROOT", c.Storage.LocalRoot)
	c.Storage.GDrive.ClientID = util.Env("GDRIVE_CLIENT_ID", c.Storage.GDrive.ClientID)
	c.Storage.GDrive.ClientSecret = util.Env("GDRIVE_CLIENT_SECRET", c.Storage.GDrive.ClientSecret)
	c.Storage.GDrive.RefreshToken = util.Env("GDRIVE_REFRESH_TOKEN", c.Storage.GDrive.RefreshToken)
	c.Storage.GDrive.FolderID = util.Env("GDRIVE_FOLDER_ID", c.Storage.GDrive.FolderID)

	c.WorkRoot = util.Env("WORK_ROOT", c.WorkRoot)
	c.SweepAge = util.DurationEnv("WORK_SWEEP_AGE", c.SweepAge)

	r := &c.Render
	r.Mode = jobspec.Mode(util.Env("RENDER_MODE", string(r.Mode)))
	r.EnginePath = util.Env("CESDK_RENDERER_PATH", r.EnginePath)
	r.WorkDir = util.Env("CESDK_WORKDIR", r.WorkDir)
	r.Runtime = util.Env("RENDER_RUNTIME", r.Runtime)
	r.Image = util.Env("RENDER_IMAGE", r.Image)
	r.GPUs = util.Env("RENDER_GPUS", r.GPUs)
	r.License = util.Env("IMGLY_LICENSE", r.License)
	r.LicenseEnv = util.Env("RENDER_LICENSE_ENV", r.LicenseEnv)
	r.DefaultFormat = util.Env("RENDER_FORMAT", r.DefaultFormat)
	r.DefaultTimeout = util.DurationEnv("RENDER_TIMEOUT", r.DefaultTimeout)
	r.Grace = util.DurationEnv("RENDER_GRACE", r.Grace)
	r.MaxOutputBytes = util.IntEnv("RENDER_MAX_OUTPUT_BYTES", r.MaxOutputBytes)
	for env, key := range map[string]string{
		"RENDER_H264_ENCODER": jobspec.EnvH264Encoder,
		"RENDER_H265_ENCODER": jobspec.EnvH265Encoder,
	} {
		if v := util.Env(env, ""); v != "" {
			if r.EncoderOverrides == nil {
				r.EncoderOverrides = map[string]string{}
			}
			r.EncoderOverrides[key] = v
		}
	}

	c.Batch.Policy = util.Env("BATCH_POLICY", c.Batch.Policy)
	c.Batch.Limit = util.IntEnv("BATCH_LIMIT", c.Batch.Limit)
	c.Batch.Bundler = util.Env("BUNDLER", c.Batch.Bundler)
	c.Editor.Kind = util.Env("EDITOR_KIND", c.Editor.Kind)
	c.Editor.URL = util.Env("EDITOR_URL", c.Editor.URL)
	c.Editor.MaxArchiveBytes = int64(util.IntEnv("EDITOR_MAX_ARCHIVE_BYTES", int(c.Editor.MaxArchiveBytes)))
	c.HistoryDB = util.Env("HISTORY_DB", c.HistoryDB)
	c.Log.Level = util.Env("LOG_LEVEL", c.Log.Level)
	c.Log.Format = util.Env("LOG_FORMAT", c.Log.Format)
	c.Log.AddSource = util.BoolEnv("LOG_ADD_SOURCE", c.Log.AddSource)
}

// Policy returns the configured batch policy.
func (c Config) Policy() (batch.Policy, error) {
	return batch.ParsePolicy(c.Batch.Policy, c.Batch.Limit)
}

// ValidateRender checks the parts every render host needs.
func (c Config) ValidateRender() error {
	if err := c.Render.Validate(); err != nil {
		return err
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	switch c.Editor.Kind {
	case "scenefile":
	case "remote":
		if c.Editor.URL == "" {
			return errors.ValidationField("editor.url", "editor url is required for the remote editor")
		}
	default:
		return errors.ValidationField("editor.kind", fmt.Sprintf("unknown editor %q", c.Editor.Kind))
	}
	if c.WorkRoot == "" {
		return errors.ValidationField("work_root", "work root is required")
	}
	return nil
}

// ValidateServices checks what the API and the worker need beyond rendering.
func (c Config) ValidateServices() error {
	if c.DatabaseURL == "" {
		return errors.ValidationField("database_url", "DATABASE_URL is required")
	}
	if c.RedisAddr == "" {
		return errors.ValidationField("redis_addr", "REDIS_ADDR is required")
	}
	switch c.Storage.Provider {
	case "localfs":
		if c.Storage.LocalRoot == "" {
			return errors.ValidationField("storage.local_root", "STORAGE_LOCAL_ROOT is required")
		}
	case "gdrive":
		g := c.Storage.GDrive
		if g.ClientID == "" || g.ClientSecret == "" || g.RefreshToken == "" {
			return errors.ValidationField("storage.gdrive", "GDRIVE_CLIENT_ID, GDRIVE_CLIENT_SECRET and GDRIVE_REFRESH_TOKEN are required")
		}
	default:
		return errors.ValidationField("storage.provider", fmt.Sprintf("unknown storage provider %q", c.Storage.Provider))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Logger builds the service logger from the log section.
func (c Config) Logger(service string) *logger.Logger {
	return logger.New(logger.Config{
		Level:       c.Log.Level,
		Format:      c.Log.Format,
		Output:      os.Stdout,
		AddSource:   c.Log.AddSource,
		ServiceName: service,
	})
}
