package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	batchv1 "sceneforge/internal/contracts/batch/v1"
	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/worker/batch"
	"sceneforge/internal/worker/processor"
)

// Response headers of POST /export.
const (
	HeaderOutcomes = "X-Render-Outcomes"
	HeaderBatchID  = "X-Batch-ID"
)

type exportOutcome struct {
	VariationID string `json:"variation_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	ExitCode    int    `json:"exit_code,omitempty"`
	Signal      string `json:"signal,omitempty"`
}

func outcomesHeader(b *batch.Batch) string {
	out := make([]exportOutcome, len(b.Results))
	for i, r := range b.Results {
		out[i] = exportOutcome{
			VariationID: r.VariationID,
			Status:      string(r.Outcome.Status),
			Reason:      string(r.Outcome.Reason),
			ExitCode:    r.Outcome.ExitCode,
			Signal:      r.Outcome.Signal,
		}
	}
	raw, _ := json.Marshal(out)
	return string(raw)
}

// exportRequest assembles the multipart fields into a batch request so it
// goes through the same schema as POST /batches.
func exportRequest(r *http.Request) (*batchv1.Request, error) {
	variations := strings.TrimSpace(r.FormValue("variations"))
	if variations == "" {
		return nil, errors.ValidationField("variations", "variations is required")
	}
	doc := map[string]json.RawMessage{"variations": json.RawMessage(variations)}
	if v := strings.TrimSpace(r.FormValue("options")); v != "" {
		doc["options"] = json.RawMessage(v)
	}
	if v := strings.TrimSpace(r.FormValue("policy")); v != "" {
		doc["policy"] = json.RawMessage(v)
	}
	if v := strings.TrimSpace(r.FormValue("bundle")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.ValidationField("bundle", "bundle must be a boolean")
		}
		doc["bundle"] = json.RawMessage(strconv.FormatBool(b))
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.ValidationField("variations", "variations must be JSON")
	}
	return batchv1.Parse(raw)
}

// Export renders the uploaded scene synchronously. The response is the only
// output for a single unbundled variation and the zip bundle otherwise;
// every temporary file is removed once it has been written.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.processor == nil {
		h.fail(w, r, errors.Unavailable("render"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.fail(w, r, errors.ValidationField("scene", "invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	req, err := exportRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	variations, err := req.BuildVariations()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	policy, err := req.BatchPolicy()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	file, header, err := r.FormFile("scene")
	if err != nil {
		h.fail(w, r, errors.ValidationField("scene", "scene is required"))
		return
	}
	defer file.Close()
	ext, err := sceneExt(header.Filename)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dir, err := os.MkdirTemp("", "sceneforge-export-")
	if err != nil {
		h.fail(w, r, errors.Wrap(err, "export.upload", "create upload dir"))
		return
	}
	defer os.RemoveAll(dir)

	scenePath := filepath.Join(dir, "base"+ext)
	if err := saveUpload(scenePath, file); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.processor.Process(ctx, processor.Request{
		ScenePath:  scenePath,
		Variations: variations,
		Options:    req.Options.Jobspec(),
		Policy:     policy,
		Bundle:     req.Bundle,
	})
	defer res.Release()
	if res != nil {
		w.Header().Set(HeaderBatchID, res.BatchID)
		if res.Batch != nil {
			w.Header().Set(HeaderOutcomes, outcomesHeader(res.Batch))
		}
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	f, err := os.Open(res.OutputPath)
	if err != nil {
		h.fail(w, r, errors.Wrap(err, "export.respond", "open artifact"))
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		h.fail(w, r, errors.Wrap(err, "export.respond", "stat artifact"))
		return
	}

	name := filepath.Base(res.OutputPath)
	w.Header().Set("Content-Type", processor.ContentTypeFor(name))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.FormatInt(st.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		h.log.FromContext(ctx).Warn("export response interrupted", "error", err.Error())
	}
}

func saveUpload(path string, src io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "export.upload", "save scene")
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return errors.Wrap(err, "export.upload", "save scene")
	}
	return f.Close()
}
