// Package schema validates decoded step payloads against per-step JSON Schema
// documents and repairs structurally close payloads without external calls.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// BaseName is the generic schema used when a step has no document of its own.
const BaseName = "base"

//go:embed schemas/*.json
var embedded embed.FS

// Violation is a single validation failure.
type Violation struct {
	Path    string `json:"path"`
	Keyword string `json:"keyword"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	p := v.Path
	if p == "" {
		p = "/"
	}
	return fmt.Sprintf("%s: %s", p, v.Message)
}

// Result is the outcome of a validation.
type Result struct {
	Valid  bool        `json:"valid"`
	Schema string      `json:"schema"`
	Errors []Violation `json:"errors,omitempty"`
}

// Messages flattens violations for prompt feedback and logs.
func (r Result) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, v := range r.Errors {
		out = append(out, v.String())
	}
	return out
}

type document struct {
	compiled *jsonschema.Schema
	shape    *shape
}

// Registry holds compiled schema documents keyed by step code.
type Registry struct {
	docs map[string]document
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// Default returns the registry built from the embedded schema documents.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		sub, err := fs.Sub(embedded, "schemas")
		if err != nil {
			defaultErr = fmt.Errorf("open embedded schemas: %w", err)
			return
		}
		defaultRegistry, defaultErr = NewRegistry(sub)
	})
	return defaultRegistry, defaultErr
}

// NewRegistry compiles every *.json file at the root of fsys. The file name
// without extension is the schema name; base.json is required.
func NewRegistry(fsys fs.FS) (*Registry, error) {
	matches, err := fs.Glob(fsys, "*.json")
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	reg := &Registry{docs: make(map[string]document, len(matches))}
	for _, file := range matches {
		data, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", file, err)
		}
		name := strings.TrimSuffix(path.Base(file), ".json")
		doc, err := compile(file, data)
		if err != nil {
			return nil, err
		}
		reg.docs[name] = doc
	}
	if _, ok := reg.docs[BaseName]; !ok {
		return nil, fmt.Errorf("schema registry: %s.json missing", BaseName)
	}
	return reg, nil
}

func compile(file string, data []byte) (document, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(file, bytes.NewReader(data)); err != nil {
		return document{}, fmt.Errorf("add schema resource %s: %w", file, err)
	}
	compiled, err := compiler.Compile(file)
	if err != nil {
		return document{}, fmt.Errorf("compile schema %s: %w", file, err)
	}
	var sh shape
	if err := json.Unmarshal(data, &sh); err != nil {
		return document{}, fmt.Errorf("decode schema %s: %w", file, err)
	}
	return document{compiled: compiled, shape: &sh}, nil
}

// Names lists the registered schema names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.docs))
	for name := range r.docs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the schema name used for code, falling back to the base schema.
func (r *Registry) Resolve(code string) string {
	if _, ok := r.docs[code]; ok {
		return code
	}
	return BaseName
}

// Validate checks a decoded JSON value against the schema for code.
func (r *Registry) Validate(code string, payload any) Result {
	name := r.Resolve(code)
	res := Result{Valid: true, Schema: name}
	err := r.docs[name].compiled.Validate(payload)
	if err == nil {
		return res
	}
	res.Valid = false
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		res.Errors = flatten(verr, nil)
	}
	if len(res.Errors) == 0 {
		res.Errors = []Violation{{Message: err.Error()}}
	}
	return res
}

// ValidateJSON decodes data and validates it.
func (r *Registry) ValidateJSON(code string, data []byte) (any, Result, error) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, Result{Schema: r.Resolve(code)}, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return payload, r.Validate(code, payload), nil
}

// flatten collects the leaf causes of a validation error.
func flatten(err *jsonschema.ValidationError, out []Violation) []Violation {
	if len(err.Causes) == 0 {
		return append(out, Violation{
			Path:    err.InstanceLocation,
			Keyword: err.KeywordLocation,
			Message: err.Message,
		})
	}
	for _, cause := range err.Causes {
		out = flatten(cause, out)
	}
	return out
}
