package bundle

import (
	"archive/zip"
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"sceneforge/internal/pkg/logger"
)

// entryTime is stamped on every entry (the zip epoch).
var entryTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// storedExts are already compressed; deflating them again only costs time.
var storedExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true,
	".mp4": true, ".mov": true, ".webm": true, ".zip": true,
}

// ZipBundler writes archives in process.
type ZipBundler struct {
	log *logger.Logger
}

// NewZipBundler returns a ZipBundler.
func NewZipBundler(log *logger.Logger) *ZipBundler {
	if log == nil {
		log = logger.NewDefault()
	}
	return &ZipBundler{log: log.WithComponent("bundle")}
}

// Kind implements Bundler.
func (z *ZipBundler) Kind() string { return KindZip }

// Bundle implements Bundler. On error no file is left at dest.
func (z *ZipBundler) Bundle(ctx context.Context, dest string, paths []string) (b *Bundle, err error) {
	if err := checkInputs(paths); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, bundleErr(err, "bundle.zip", "create archive")
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(dest)
		}
	}()

	// The archive checksum is computed while writing.
	sum := blake3.New()
	zw := zip.NewWriter(io.MultiWriter(f, sum))

	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, bundleErr(err, "bundle.zip", "bundling canceled")
		}
		e, err := addEntry(zw, p)
		if err != nil {
			return nil, bundleErr(err, "bundle.zip", "add "+filepath.Base(p))
		}
		entries = append(entries, e)
	}

	if err := zw.Close(); err != nil {
		return nil, bundleErr(err, "bundle.zip", "finish archive")
	}
	info, err := f.Stat()
	if err != nil {
		return nil, bundleErr(err, "bundle.zip", "stat archive")
	}
	if err := f.Close(); err != nil {
		return nil, bundleErr(err, "bundle.zip", "close archive")
	}

	b = &Bundle{
		Path:     dest,
		Size:     info.Size(),
		Checksum: hex.EncodeToString(sum.Sum(nil)),
		Entries:  entries,
	}
	z.log.FromContext(ctx).Info("bundle written", "path", dest, "entries", len(entries), "bytes", b.Size)
	return b, nil
}

func addEntry(zw *zip.Writer, path string) (Entry, error) {
	src, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer src.Close()

	name := filepath.Base(path)
	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: entryTime}
	if storedExts[strings.ToLower(filepath.Ext(name))] {
		hdr.Method = zip.Store
	}
	hdr.SetMode(0o644)

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return Entry{}, err
	}

	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(w, h), src)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: name, Size: n, Checksum: hex.EncodeToString(h.Sum(nil))}, nil
}
