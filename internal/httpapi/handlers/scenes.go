package handlers

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"sceneforge/internal/adapters/editor/scenefile"
	"sceneforge/internal/httpkit"
	"sceneforge/internal/models"
	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/ports"
	"sceneforge/internal/worker/processor"
	"sceneforge/internal/worker/util"
)

// sceneExt returns the extension a base scene upload is stored under.
func sceneExt(filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case scenefile.ExtScene, scenefile.ExtArchive:
		return ext, nil
	case "", ".json":
		return scenefile.ExtScene, nil
	default:
		return "", errors.ValidationField("file", fmt.Sprintf("unsupported scene type %q", ext))
	}
}

func (h *Handler) PostScene(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.fail(w, r, errors.ValidationField("file", "invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, r, errors.ValidationField("file", "file is required"))
		return
	}
	defer file.Close()

	ext, err := sceneExt(header.Filename)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	sceneID := util.NewID("scn")
	objectKey := fmt.Sprintf("scenes/%s/original%s", sceneID, ext)
	contentType := processor.ContentTypeFor("original" + ext)

	out, err := h.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   objectKey,
		ContentType: contentType,
		Reader:      file,
		Size:        header.Size,
	})
	if err != nil {
		h.fail(w, r, errors.WrapWithCode(err, errors.CodeUnavailable, "scenes.upload", "storage put failed"))
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = filepath.Base(header.Filename)
	}
	if strings.ToLower(filepath.Ext(name)) != ext {
		name += ext
	}
	scene := &models.Scene{
		ID:        sceneID,
		Name:      name,
		Provider:  h.sp.Provider(),
		ObjectKey: out.ObjectKey,
		Mime:      contentType,
		SizeBytes: out.Size,
	}
	if err := h.scenes.CreateScene(ctx, scene); err != nil {
		_ = h.sp.DeleteObject(ctx, out.ObjectKey)
		h.fail(w, r, storeErr(err, "scenes.create"))
		return
	}

	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{"scene": scene})
}

func (h *Handler) GetScene(w http.ResponseWriter, r *http.Request) {
	scene, err := h.scenes.GetScene(r.Context(), chi.URLParam(r, "sceneId"))
	if err != nil {
		h.fail(w, r, storeErr(err, "scenes.get"))
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"scene": scene})
}

// StreamScene sends the stored base document.
func (h *Handler) StreamScene(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scene, err := h.scenes.GetScene(ctx, chi.URLParam(r, "sceneId"))
	if err != nil {
		h.fail(w, r, storeErr(err, "scenes.content"))
		return
	}
	h.stream(w, r, scene.ObjectKey, scene.Name, scene.Mime)
}

// DeleteScene retires the scene and removes its object. Batches already
// queued against it fail when they start.
func (h *Handler) DeleteScene(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sceneID := chi.URLParam(r, "sceneId")

	scene, err := h.scenes.GetScene(ctx, sceneID)
	if err != nil {
		h.fail(w, r, storeErr(err, "scenes.delete"))
		return
	}
	if err := h.scenes.DeleteScene(ctx, sceneID); err != nil {
		h.fail(w, r, storeErr(err, "scenes.delete"))
		return
	}
	if err := h.sp.DeleteObject(ctx, scene.ObjectKey); err != nil && !errors.Is(err, os.ErrNotExist) {
		h.log.FromContext(ctx).Warn("scene object not removed", "object_key", scene.ObjectKey, "error", err.Error())
	}

	w.WriteHeader(http.StatusNoContent)
}

// stream copies a stored object to the response as an attachment.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, objectKey, name, fallbackType string) {
	rc, ct, size, err := h.sp.GetObject(r.Context(), objectKey)
	if err != nil {
		h.fail(w, r, errors.WrapWithCode(err, errors.CodeNotFound, "storage.get", "stored file missing").
			WithField("object_key", objectKey))
		return
	}
	defer rc.Close()

	if ct == "" {
		ct = fallbackType
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	_, _ = io.Copy(w, rc)
}
