package processor

import (
	"os"
	"path/filepath"
	"time"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/worker/cleanup"
)

// WorkspacePrefix starts the name of every batch workspace under the work
// root.
const WorkspacePrefix = "batch-"

// workspace is the per-batch directory tree:
//
//	<root>/batch-<id>-XXXX/
//	  scenes/              materialized documents
//	  outputs/<variation>/ one output directory per render job
//	  <bundle>.zip
type workspace struct {
	dir     string
	scenes  string
	outputs string
	shared  bool
}

// newWorkspace creates the tree and hands it to scope. When shared is set the
// directories are opened up for an engine running under another user inside
// a container.
func newWorkspace(root, batchID string, scope *cleanup.Scope, shared bool) (*workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "processor.workspace", "create work root")
	}
	dir, err := os.MkdirTemp(root, WorkspacePrefix+SanitizeFilename(batchID)+"-")
	if err != nil {
		return nil, errors.Wrap(err, "processor.workspace", "create batch workspace")
	}
	scope.TrackDir(dir)

	ws := &workspace{
		dir:     dir,
		scenes:  filepath.Join(dir, "scenes"),
		outputs: filepath.Join(dir, "outputs"),
		shared:  shared,
	}
	for _, d := range []string{ws.scenes, ws.outputs} {
		if err := os.Mkdir(d, 0o755); err != nil {
			return nil, errors.Wrap(err, "processor.workspace", "create batch workspace")
		}
	}
	if shared {
		for _, d := range []string{dir, ws.scenes, ws.outputs} {
			if err := os.Chmod(d, 0o755); err != nil {
				return nil, errors.Wrap(err, "processor.workspace", "open workspace")
			}
		}
	}
	return ws, nil
}

// jobOutputDir creates the output directory of one render job. Nothing else
// writes into it, so it is the only writable path a container job gets.
func (ws *workspace) jobOutputDir(variationID string, scope *cleanup.Scope) (string, *cleanup.Artifact, error) {
	dir := filepath.Join(ws.outputs, variationID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", nil, errors.Wrap(err, "processor.workspace", "create job output dir").
			WithField("variation", variationID)
	}
	art := scope.TrackDir(dir)
	if ws.shared {
		if err := os.Chmod(dir, 0o777); err != nil {
			art.Release()
			return "", nil, errors.Wrap(err, "processor.workspace", "open job output dir")
		}
	}
	return dir, art, nil
}

// shareInput makes a materialized document readable by an engine running
// under another user.
func (ws *workspace) shareInput(path string) error {
	if !ws.shared {
		return nil
	}
	return os.Chmod(path, 0o644)
}

// SweepWorkspaces removes batch workspaces under root older than olderThan,
// typically left behind by a crashed process.
func SweepWorkspaces(root string, olderThan time.Duration, log *logger.Logger) (int, error) {
	return cleanup.Sweep(root, WorkspacePrefix, olderThan, log)
}
