// Package v1 is the batch request accepted by the ingress API and stored
// with every queued batch.
package v1

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/variant"
	"sceneforge/internal/worker/batch"
	"sceneforge/internal/worker/jobspec"
)

//go:embed request.schema.json
var schemaJSON []byte

const schemaURL = "https://sceneforge.local/schemas/batch-request.json"

type Options struct {
	Device         jobspec.Device    `json:"device,omitempty"`
	DPI            int               `json:"dpi,omitempty"`
	Format         string            `json:"format,omitempty"`
	Texts          map[string]string `json:"texts,omitempty"`
	Verbose        bool              `json:"verbose,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// Jobspec converts to render options.
func (o Options) Jobspec() jobspec.Options {
	return jobspec.Options{
		Device:  o.Device,
		DPI:     o.DPI,
		Format:  o.Format,
		Texts:   o.Texts,
		Verbose: o.Verbose,
		Timeout: time.Duration(o.TimeoutSeconds) * time.Second,
		Env:     o.Env,
	}
}

type Policy struct {
	Mode  string `json:"mode,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// Request is a batch submission.
type Request struct {
	SceneID    string         `json:"scene_id,omitempty"`
	Variations []variant.Spec `json:"variations"`
	Options    Options        `json:"options,omitempty"`
	Policy     *Policy        `json:"policy,omitempty"`
	Bundle     bool           `json:"bundle,omitempty"`
}

// BatchPolicy returns the requested policy, or nil to use the server default.
func (r Request) BatchPolicy() (*batch.Policy, error) {
	if r.Policy == nil {
		return nil, nil
	}
	p, err := batch.ParsePolicy(r.Policy.Mode, r.Policy.Limit)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// BuildVariations returns the validated variation set.
func (r Request) BuildVariations() ([]variant.Variation, error) {
	return variant.FromSpecs(r.Variations)
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			compileErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Parse validates raw against the request schema and decodes it.
func Parse(raw []byte) (*Request, error) {
	sch, err := schema()
	if err != nil {
		return nil, errors.Wrap(err, "batch.v1.Parse", "compile request schema")
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "batch.v1.Parse", "request is not valid JSON")
	}
	if err := sch.Validate(inst); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "batch.v1.Parse", "request does not match schema").
			WithField("violations", violations(err))
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "batch.v1.Parse", "decode request")
	}
	return &req, nil
}

// violations flattens a schema validation error into "location: message"
// lines.
func violations(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	p := message.NewPrinter(language.English)
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, fmt.Sprintf("/%s: %s", strings.Join(e.InstanceLocation, "/"), e.ErrorKind.LocalizedString(p)))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
