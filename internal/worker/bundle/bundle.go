// Package bundle packages the successful outputs of a batch into one zip
// archive. Entries are stored flat under their base names, in batch order,
// with fixed timestamps, so the same outputs always give the same archive.
package bundle

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/pkg/logger"
)

// Kinds accepted by New.
const (
	KindZip     = "zip"
	KindCommand = "command"
)

// Entry describes one archived output.
type Entry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Bundle is a written archive.
type Bundle struct {
	Path     string  `json:"path"`
	Size     int64   `json:"size"`
	Checksum string  `json:"checksum"`
	Entries  []Entry `json:"entries"`
}

// Names returns the entry names in archive order.
func (b *Bundle) Names() []string {
	names := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		names[i] = e.Name
	}
	return names
}

// Bundler writes an archive of paths to dest.
type Bundler interface {
	Bundle(ctx context.Context, dest string, paths []string) (*Bundle, error)
	Kind() string
}

// New returns the bundler named by kind ("zip" when empty).
func New(kind string, log *logger.Logger) (Bundler, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindZip:
		return NewZipBundler(log), nil
	case KindCommand:
		return NewCommandBundler("", log), nil
	default:
		return nil, errors.ValidationField("bundler", fmt.Sprintf("unknown bundler %q", kind))
	}
}

// checkInputs rejects an empty input set and duplicate base names, which
// would collide in a flat archive.
func checkInputs(paths []string) error {
	if len(paths) == 0 {
		return errors.NoSuccess(0)
	}
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		name := filepath.Base(p)
		if prev, dup := seen[name]; dup {
			return errors.Newf(errors.CodeBundleFailed, "duplicate entry name %q", name).
				WithField("first", prev).
				WithField("second", p)
		}
		seen[name] = p
	}
	return nil
}

func bundleErr(err error, op, msg string) error {
	if errors.IsCode(err, errors.CodeBundleFailed) {
		return err
	}
	return errors.WrapWithCode(err, errors.CodeBundleFailed, op, msg)
}

// fileSum returns the size and blake3 checksum of the file at path.
func fileSum(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
