package variant

import (
	"fmt"
	"regexp"
	"sort"

	"sceneforge/internal/pkg/errors"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Variation is a named set of substitution values. It is immutable: the
// constructor copies the mapping and accessors hand out copies.
type Variation struct {
	id   string
	subs map[string]string
}

// Spec is the wire form of a Variation, as it appears in request payloads
// and variation files.
type Spec struct {
	ID            string            `json:"id" yaml:"id"`
	Substitutions map[string]string `json:"substitutions" yaml:"substitutions"`
}

// New validates id and returns a Variation. The id becomes the stem of every
// file produced for this variation, so it must be a plain file name.
func New(id string, subs map[string]string) (Variation, error) {
	if !idPattern.MatchString(id) || id == "." || id == ".." {
		return Variation{}, errors.ValidationField("id",
			fmt.Sprintf("invalid variation id %q: use letters, digits, '.', '_' or '-'", id))
	}
	cp := make(map[string]string, len(subs))
	for k, v := range subs {
		if k == "" {
			return Variation{}, errors.ValidationField("substitutions",
				fmt.Sprintf("variation %q has an empty substitution key", id))
		}
		cp[k] = v
	}
	return Variation{id: id, subs: cp}, nil
}

// MustNew is New for fixed inputs; it panics on an invalid id.
func MustNew(id string, subs map[string]string) Variation {
	v, err := New(id, subs)
	if err != nil {
		panic(err)
	}
	return v
}

// ID returns the variation identifier.
func (v Variation) ID() string { return v.id }

// Substitutions returns a copy of the substitution mapping.
func (v Variation) Substitutions() map[string]string {
	cp := make(map[string]string, len(v.subs))
	for k, val := range v.subs {
		cp[k] = val
	}
	return cp
}

// Keys returns the substitution keys in sorted order.
func (v Variation) Keys() []string {
	keys := make([]string, 0, len(v.subs))
	for k := range v.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Spec converts v back to its wire form.
func (v Variation) Spec() Spec {
	return Spec{ID: v.id, Substitutions: v.Substitutions()}
}

// FromSpecs builds and validates a batch of variations. IDs must be unique
// and the batch must not be empty.
func FromSpecs(specs []Spec) ([]Variation, error) {
	if len(specs) == 0 {
		return nil, errors.ValidationField("variations", "at least one variation is required")
	}
	seen := make(map[string]struct{}, len(specs))
	out := make([]Variation, 0, len(specs))
	for i, s := range specs {
		v, err := New(s.ID, s.Substitutions)
		if err != nil {
			return nil, errors.Wrapf(err, "variant.from_specs", "variation %d", i)
		}
		if _, dup := seen[v.id]; dup {
			return nil, errors.ValidationField("variations",
				fmt.Sprintf("duplicate variation id %q", v.id))
		}
		seen[v.id] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

// Cities is the five-city demo set: each variation replaces the scene's
// bottom_text element.
func Cities() []Variation {
	return []Variation{
		MustNew("new_york", map[string]string{"bottom_text": "Work from New York"}),
		MustNew("san_francisco", map[string]string{"bottom_text": "Work from San Francisco"}),
		MustNew("london", map[string]string{"bottom_text": "Work from London"}),
		MustNew("tokyo", map[string]string{"bottom_text": "Work from Tokyo"}),
		MustNew("berlin", map[string]string{"bottom_text": "Work from Berlin"}),
	}
}
