package bundle

import (
	"archive/zip"
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/worker/util"
)

// maxStderrBytes bounds the archiver output kept for error reports.
const maxStderrBytes = 2048

// CommandBundler shells out to an Info-ZIP compatible archiver:
// "<program> -j -X -q dest paths...".
type CommandBundler struct {
	program string
	log     *logger.Logger
}

// NewCommandBundler returns a CommandBundler; program defaults to "zip".
func NewCommandBundler(program string, log *logger.Logger) *CommandBundler {
	if program == "" {
		program = "zip"
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &CommandBundler{program: program, log: log.WithComponent("bundle")}
}

// Kind implements Bundler.
func (c *CommandBundler) Kind() string { return KindCommand }

// Bundle implements Bundler. A non-zero archiver exit is reported as
// BUNDLE_FAILED with its stderr attached.
func (c *CommandBundler) Bundle(ctx context.Context, dest string, paths []string) (*Bundle, error) {
	if err := checkInputs(paths); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		size, sum, err := fileSum(p)
		if err != nil {
			return nil, bundleErr(err, "bundle.command", "read "+filepath.Base(p))
		}
		entries = append(entries, Entry{Name: filepath.Base(p), Size: size, Checksum: sum})
	}

	// zip appends to an existing archive.
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return nil, bundleErr(err, "bundle.command", "clear destination")
	}

	args := append([]string{"-j", "-X", "-q", dest}, paths...)
	cmd := exec.CommandContext(ctx, c.program, args...)
	stderr := util.NewBoundedBuffer(maxStderrBytes)
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		_ = os.Remove(dest)
		e := errors.WrapWithCode(err, errors.CodeBundleFailed, "bundle.command", "archiver failed").
			WithField("stderr", stderr.String()).
			WithField("stderr_truncated", stderr.Truncated())
		if exitErr, ok := err.(*exec.ExitError); ok {
			e = e.WithField("exit_code", exitErr.ExitCode())
		}
		return nil, e
	}

	if err := verifyArchive(dest, entries); err != nil {
		_ = os.Remove(dest)
		return nil, bundleErr(err, "bundle.command", "archiver produced an unexpected archive")
	}

	size, sum, err := fileSum(dest)
	if err != nil {
		return nil, bundleErr(err, "bundle.command", "checksum archive")
	}

	c.log.FromContext(ctx).Info("bundle written", "path", dest, "entries", len(entries), "bytes", size)
	return &Bundle{Path: dest, Size: size, Checksum: sum, Entries: entries}, nil
}

// verifyArchive checks that the archive lists exactly the expected names in
// order.
func verifyArchive(path string, want []Entry) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()

	if len(zr.File) != len(want) {
		return errors.Newf(errors.CodeBundleFailed, "archive has %d entries, want %d", len(zr.File), len(want))
	}
	for i, f := range zr.File {
		if f.Name != want[i].Name {
			return errors.Newf(errors.CodeBundleFailed, "entry %d is %q, want %q", i, f.Name, want[i].Name)
		}
	}
	return nil
}
