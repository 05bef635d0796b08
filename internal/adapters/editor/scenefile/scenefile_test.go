package scenefile

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/variant"
	"sceneforge/internal/worker/cleanup"
)

const baseScene = `{
  "version": 3,
  "page": {"width": 1080, "height": 1920, "dpi": 72.5},
  "children": [
    {"name": "top_text", "type": "text", "text": "Work from anywhere", "font": {"size": 48}},
    {"name": "photo", "type": "image", "uri": "assets/photo.jpg"},
    {"name": "bottom_text", "type": "text", "text": "Work from home"},
    {"name": "bottom_text", "type": "text", "text": "shadow copy"}
  ]
}`

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func children(t *testing.T, raw []byte) []map[string]any {
	t.Helper()
	var doc struct {
		Children []map[string]any `json:"children"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc.Children
}

func TestSceneEditorApply(t *testing.T) {
	base := writeFile(t, t.TempDir(), "poster.scene", []byte(baseScene))
	ctx := context.Background()

	sess, err := NewSceneEditor().Load(ctx, base)
	require.NoError(t, err)
	defer sess.Close()

	rep, err := sess.Apply(ctx, map[string]string{
		"bottom_text": "Work from Tokyo",
		"headline":    "nowhere to go",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bottom_text"}, rep.Applied)
	assert.Equal(t, []string{"headline"}, rep.Missing)

	out, err := sess.Save(ctx)
	require.NoError(t, err)

	kids := children(t, out)
	require.Len(t, kids, 4)
	assert.Equal(t, "Work from anywhere", kids[0]["text"])
	assert.Equal(t, "Work from Tokyo", kids[2]["text"])
	assert.Equal(t, "shadow copy", kids[3]["text"], "only the first match is edited")
	assert.Equal(t, "assets/photo.jpg", kids[1]["uri"])

	// Numbers and unknown fields survive the round trip untouched.
	assert.Contains(t, string(out), `"dpi": 72.5`)
	assert.Contains(t, string(out), `"version": 3`)
}

func TestLoadIsFresh(t *testing.T) {
	base := writeFile(t, t.TempDir(), "poster.scene", []byte(baseScene))
	ctx := context.Background()
	ed := NewSceneEditor()

	first, err := ed.Load(ctx, base)
	require.NoError(t, err)
	_, err = first.Apply(ctx, map[string]string{"top_text": "changed"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := ed.Load(ctx, base)
	require.NoError(t, err)
	defer second.Close()
	out, err := second.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Work from anywhere", children(t, out)[0]["text"])
}

func TestClosedSession(t *testing.T) {
	base := writeFile(t, t.TempDir(), "poster.scene", []byte(baseScene))
	sess, err := NewSceneEditor().Load(context.Background(), base)
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	_, err = sess.Save(context.Background())
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	_, err := NewSceneEditor().Load(ctx, filepath.Join(dir, "missing.scene"))
	assert.Error(t, err)

	_, err = NewSceneEditor().Load(ctx, writeFile(t, dir, "bad.scene", []byte("{not json")))
	assert.Error(t, err)

	_, err = NewSceneEditor().Load(ctx, writeFile(t, dir, "str.scene", []byte(`"just a string"`)))
	assert.Error(t, err)

	archive := buildArchive(t, map[string]string{"scene.scene": baseScene})
	_, err = NewSceneEditor().Load(ctx, writeFile(t, dir, "pack.zip", archive))
	assert.True(t, errors.IsValidation(err))

	noScene := buildArchive(t, map[string]string{"readme.txt": "hi"})
	_, err = NewArchiveEditor().Load(ctx, writeFile(t, dir, "empty.zip", noScene))
	assert.True(t, errors.IsValidation(err))
}

func buildArchive(t *testing.T, files map[string]string, order ...string) []byte {
	t.Helper()
	if len(order) == 0 {
		for name := range files {
			order = append(order, name)
		}
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func readArchive(t *testing.T, raw []byte) ([]string, map[string]string) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	var names []string
	contents := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		names = append(names, f.Name)
		contents[f.Name] = string(b)
	}
	return names, contents
}

func TestArchiveEditorKeepsAssets(t *testing.T) {
	raw := buildArchive(t, map[string]string{
		"assets/photo.jpg": "JPEGDATA",
		"poster.scene":     baseScene,
		"fonts/inter.ttf":  "FONTDATA",
	}, "assets/photo.jpg", "poster.scene", "fonts/inter.ttf")
	base := writeFile(t, t.TempDir(), "poster.zip", raw)
	ctx := context.Background()

	ed := ForPath(base)
	assert.Equal(t, ExtArchive, ed.Extension())

	sess, err := ed.Load(ctx, base)
	require.NoError(t, err)
	defer sess.Close()
	_, err = sess.Apply(ctx, map[string]string{"bottom_text": "Work from Berlin"})
	require.NoError(t, err)
	out, err := sess.Save(ctx)
	require.NoError(t, err)

	names, contents := readArchive(t, out)
	assert.Equal(t, []string{"assets/photo.jpg", "poster.scene", "fonts/inter.ttf"}, names)
	assert.Equal(t, "JPEGDATA", contents["assets/photo.jpg"])
	assert.Equal(t, "FONTDATA", contents["fonts/inter.ttf"])
	assert.Equal(t, "Work from Berlin", children(t, []byte(contents["poster.scene"]))[2]["text"])
}

func TestArchiveEditorWrapsBareScene(t *testing.T) {
	base := writeFile(t, t.TempDir(), "poster.scene", []byte(baseScene))
	ctx := context.Background()

	sess, err := NewArchiveEditor().Load(ctx, base)
	require.NoError(t, err)
	defer sess.Close()
	out, err := sess.Save(ctx)
	require.NoError(t, err)

	names, _ := readArchive(t, out)
	assert.Equal(t, []string{"poster.scene"}, names)
}

func TestArchiveExpansionIsBounded(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	filler := string(bytes.Repeat([]byte{'0'}, 600))

	cases := map[string][]byte{
		"one large member": buildArchive(t, map[string]string{
			"poster.scene":   baseScene,
			"assets/big.bin": filler + filler,
		}, "poster.scene", "assets/big.bin"),
		"members add up": buildArchive(t, map[string]string{
			"poster.scene": baseScene,
			"assets/a.bin": filler,
			"assets/b.bin": filler,
		}, "poster.scene", "assets/a.bin", "assets/b.bin"),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			base := writeFile(t, dir, "poster.zip", raw)
			limit := int64(len(baseScene) + 1000)

			_, err := NewArchiveEditor(WithMaxArchiveBytes(limit)).Load(ctx, base)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CodeResourceExhaust), "got %v", err)

			sess, err := NewArchiveEditor(WithMaxArchiveBytes(limit + 1000)).Load(ctx, base)
			require.NoError(t, err)
			require.NoError(t, sess.Close())
		})
	}
}

func TestForPath(t *testing.T) {
	assert.Equal(t, ExtScene, ForPath("a/b/poster.scene").Extension())
	assert.Equal(t, ExtScene, ForPath("poster.json").Extension())
	assert.Equal(t, ExtArchive, ForPath("poster.ZIP").Extension())
}

func TestWithMaterializer(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "poster.scene", []byte(baseScene))
	out := filepath.Join(dir, "scenes")
	require.NoError(t, os.Mkdir(out, 0o755))

	scope := cleanup.NewScope(logger.Discard())
	defer scope.Release()
	m := variant.NewMaterializer(NewSceneEditor(), logger.Discard())

	for _, v := range variant.Cities() {
		doc, err := m.Materialize(context.Background(), base, v, out, scope)
		require.NoError(t, err)
		raw, err := os.ReadFile(doc.Path)
		require.NoError(t, err)
		assert.Equal(t, v.Substitutions()["bottom_text"], children(t, raw)[2]["text"])
	}
	assert.Equal(t, 5, scope.Held())
}
