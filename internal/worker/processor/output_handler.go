package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/ports"
)

// BundleKey is the storage object key of a delivered artifact.
func BundleKey(batchID, name string) string {
	return fmt.Sprintf("bundles/%s/%s", batchID, name)
}

type uploaded struct {
	key      string
	name     string
	size     int64
	checksum string
}

// deliver sube el artefacto final del batch al storage.
func (p *Processor) deliver(ctx context.Context, res *Result) (*uploaded, error) {
	st, err := os.Stat(res.OutputPath)
	if err != nil {
		return nil, errors.Wrap(err, "processor.outputs", "artifact missing")
	}
	f, err := os.Open(res.OutputPath)
	if err != nil {
		return nil, errors.Wrap(err, "processor.outputs", "open artifact")
	}
	defer f.Close()

	name := filepath.Base(res.OutputPath)
	out, err := p.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   BundleKey(res.BatchID, name),
		ContentType: ContentTypeFor(name),
		Reader:      f,
		Size:        st.Size(),
	})
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "processor.outputs", "upload artifact")
	}

	up := &uploaded{key: out.ObjectKey, name: name, size: out.Size}
	if res.Bundle != nil {
		up.checksum = res.Bundle.Checksum
	}
	return up, nil
}
