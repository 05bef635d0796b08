package bundle

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/pkg/logger"
)

func outputs(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for _, n := range names {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte("render of "+n), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out[f.Name] = string(b)
	}
	return out
}

func TestZipBundle(t *testing.T) {
	paths := outputs(t, "new_york.png", "london.png", "berlin.png")
	dest := filepath.Join(t.TempDir(), "bundle.zip")

	b, err := NewZipBundler(logger.Discard()).Bundle(context.Background(), dest, paths)
	require.NoError(t, err)

	assert.Equal(t, dest, b.Path)
	assert.Equal(t, []string{"new_york.png", "london.png", "berlin.png"}, b.Names())
	assert.Len(t, b.Checksum, 64)
	assert.Equal(t, int64(len("render of london.png")), b.Entries[1].Size)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), b.Size)

	got := readArchive(t, dest)
	assert.Equal(t, map[string]string{
		"new_york.png": "render of new_york.png",
		"london.png":   "render of london.png",
		"berlin.png":   "render of berlin.png",
	}, got)

	zr, err := zip.OpenReader(dest)
	require.NoError(t, err)
	defer zr.Close()
	for _, f := range zr.File {
		assert.Equal(t, 1980, f.Modified.Year())
		assert.Equal(t, zip.Store, f.Method, "png is stored, not deflated")
	}
}

func TestZipBundleIsDeterministic(t *testing.T) {
	paths := outputs(t, "a.pdf", "b.png")
	dir := t.TempDir()
	z := NewZipBundler(logger.Discard())

	first, err := z.Bundle(context.Background(), filepath.Join(dir, "1.zip"), paths)
	require.NoError(t, err)
	second, err := z.Bundle(context.Background(), filepath.Join(dir, "2.zip"), paths)
	require.NoError(t, err)

	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, first.Entries, second.Entries)
}

func TestZipBundleRejectsDuplicateNames(t *testing.T) {
	a := outputs(t, "tokyo.png")
	b := outputs(t, "tokyo.png")
	dest := filepath.Join(t.TempDir(), "bundle.zip")

	_, err := NewZipBundler(logger.Discard()).Bundle(context.Background(), dest, append(a, b...))
	assert.True(t, errors.IsCode(err, errors.CodeBundleFailed))
	assert.NoFileExists(t, dest)
}

func TestZipBundleMissingInput(t *testing.T) {
	paths := outputs(t, "a.png")
	paths = append(paths, filepath.Join(t.TempDir(), "gone.png"))
	dest := filepath.Join(t.TempDir(), "bundle.zip")

	_, err := NewZipBundler(logger.Discard()).Bundle(context.Background(), dest, paths)
	assert.True(t, errors.IsCode(err, errors.CodeBundleFailed))
	assert.NoFileExists(t, dest, "partial archive is removed")
}

func TestBundleNothing(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "bundle.zip")

	_, err := NewZipBundler(logger.Discard()).Bundle(context.Background(), dest, nil)
	assert.True(t, errors.IsCode(err, errors.CodeNoSuccess))
	assert.NoFileExists(t, dest)

	_, err = NewCommandBundler("", logger.Discard()).Bundle(context.Background(), dest, nil)
	assert.True(t, errors.IsCode(err, errors.CodeNoSuccess))
}

func TestCommandBundle(t *testing.T) {
	if _, err := exec.LookPath("zip"); err != nil {
		t.Skip("zip not installed")
	}
	paths := outputs(t, "new_york.mp4", "tokyo.mp4")
	dest := filepath.Join(t.TempDir(), "bundle.zip")
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0o644))

	b, err := NewCommandBundler("zip", logger.Discard()).Bundle(context.Background(), dest, paths)
	require.NoError(t, err)
	assert.Equal(t, []string{"new_york.mp4", "tokyo.mp4"}, b.Names())
	assert.Equal(t, map[string]string{
		"new_york.mp4": "render of new_york.mp4",
		"tokyo.mp4":    "render of tokyo.mp4",
	}, readArchive(t, dest))
}

func TestCommandBundleArchiverFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	dir := t.TempDir()
	fake := filepath.Join(dir, "zip")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\necho 'zip error: out of space' >&2\nexit 12\n"), 0o755))
	dest := filepath.Join(dir, "bundle.zip")

	_, err := NewCommandBundler(fake, logger.Discard()).Bundle(context.Background(), dest, outputs(t, "a.png"))

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeBundleFailed))
	fields := errors.GetFields(err)
	assert.Equal(t, 12, fields["exit_code"])
	assert.Contains(t, fields["stderr"], "out of space")
	assert.Equal(t, false, fields["stderr_truncated"])
}

func TestCommandBundleCapsStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	dir := t.TempDir()
	fake := filepath.Join(dir, "zip")
	script := `#!/bin/sh
i=0
while [ $i -lt 2000 ]; do echo 'zip warning: name not matched' >&2; i=$((i+1)); done
exit 18
`
	require.NoError(t, os.WriteFile(fake, []byte(script), 0o755))

	_, err := NewCommandBundler(fake, logger.Discard()).Bundle(context.Background(), filepath.Join(dir, "bundle.zip"), outputs(t, "a.png"))

	require.Error(t, err)
	fields := errors.GetFields(err)
	assert.Len(t, fields["stderr"], maxStderrBytes)
	assert.Equal(t, true, fields["stderr_truncated"])
}

func TestNew(t *testing.T) {
	b, err := New("", nil)
	require.NoError(t, err)
	assert.Equal(t, KindZip, b.Kind())

	b, err = New("command", nil)
	require.NoError(t, err)
	assert.Equal(t, KindCommand, b.Kind())

	_, err = New("tar", nil)
	assert.True(t, errors.IsValidation(err))
}
