package v1

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/worker/batch"
)

func TestParseValid(t *testing.T) {
	req, err := Parse([]byte(`{
		"scene_id": "scn_1",
		"variations": [
			{"id": "london", "substitutions": {"bottom_text": "Work from London"}},
			{"id": "tokyo"}
		],
		"options": {"device": "gpu", "dpi": 300, "timeout_seconds": 90, "texts": {"footer": "x"}},
		"policy": {"mode": "parallel", "limit": 2},
		"bundle": true
	}`))
	require.NoError(t, err)

	assert.Equal(t, "scn_1", req.SceneID)
	assert.True(t, req.Bundle)

	vs, err := req.BuildVariations()
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, "Work from London", vs[0].Substitutions()["bottom_text"])

	opts := req.Options.Jobspec()
	assert.Equal(t, 90*time.Second, opts.Timeout)
	assert.Equal(t, 300, opts.DPI)
	assert.Equal(t, "x", opts.Texts["footer"])

	p, err := req.BatchPolicy()
	require.NoError(t, err)
	assert.Equal(t, batch.Parallel(2), *p)
}

func TestParseDefaultsPolicy(t *testing.T) {
	req, err := Parse([]byte(`{"variations":[{"id":"a"}]}`))
	require.NoError(t, err)
	p, err := req.BatchPolicy()
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"variations":`,
		"no variations":    `{}`,
		"empty variations": `{"variations":[]}`,
		"bad id":           `{"variations":[{"id":"new york"}]}`,
		"non-string value": `{"variations":[{"id":"a","substitutions":{"k":1}}]}`,
		"unknown device":   `{"variations":[{"id":"a"}],"options":{"device":"tpu"}}`,
		"unknown field":    `{"variations":[{"id":"a"}],"priority":1}`,
		"unknown policy":   `{"variations":[{"id":"a"}],"policy":{"mode":"random"}}`,
		"zero timeout":     `{"variations":[{"id":"a"}],"options":{"timeout_seconds":0}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "got %v", err)
		})
	}
}

func TestParseReportsViolations(t *testing.T) {
	_, err := Parse([]byte(`{"variations":[{"id":"a b"}]}`))
	require.Error(t, err)
	v, ok := errors.GetFields(err)["violations"].([]string)
	require.True(t, ok)
	require.NotEmpty(t, v)
	assert.Contains(t, v[0], "/variations/0/id")
}

func TestDuplicateIDsPassSchemaButNotBuild(t *testing.T) {
	req, err := Parse([]byte(`{"variations":[{"id":"a"},{"id":"a"}]}`))
	require.NoError(t, err)
	_, err = req.BuildVariations()
	assert.True(t, errors.IsValidation(err))
}
