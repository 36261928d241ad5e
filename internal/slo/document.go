package slo

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Route is one gated route: SLO targets by well-known key plus an optional
// explicit expression that overrides them.
type Route struct {
	RouteID string  `json:"route_id"`
	SLO     Targets `json:"slo,omitempty"`
	DSL     string  `json:"dsl,omitempty"`
}

// Document is the SLO document: every route the gate must judge.
type Document struct {
	Routes []Route `json:"routes"`
}

// Targets holds SLO target values. Booleans decode as 1 and 0 so that
// flags such as replay_hash_match can be compared with ==.
type Targets map[string]float64

func (t *Targets) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Targets, len(raw))
	for k, v := range raw {
		f, err := toFloat(v)
		if err != nil {
			return fmt.Errorf("slo key %q: %w", k, err)
		}
		out[k] = f
	}
	*t = out
	return nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		return x.Float64()
	}
	return 0, fmt.Errorf("value %v is not numeric", v)
}

// Validate surfaces configuration errors before any judge is queried:
// no routes, empty or duplicate route ids, and explicit DSL that does not parse.
// Routes without an applicable SLO key are not rejected here; they are
// judged FAIL individually.
func (d *Document) Validate() error {
	if d == nil || len(d.Routes) == 0 {
		return fmt.Errorf("slo: document has no routes")
	}
	seen := make(map[string]bool, len(d.Routes))
	for i, r := range d.Routes {
		if r.RouteID == "" {
			return fmt.Errorf("slo: route %d has empty route_id", i)
		}
		if seen[r.RouteID] {
			return fmt.Errorf("slo: duplicate route_id %q", r.RouteID)
		}
		seen[r.RouteID] = true

		if strings.TrimSpace(r.DSL) != "" {
			if _, err := defaultCache.Parse(r.DSL); err != nil {
				return err
			}
		}
	}
	return nil
}

// RouteIDs returns route ids in document order.
func (d *Document) RouteIDs() []string {
	ids := make([]string, len(d.Routes))
	for i, r := range d.Routes {
		ids[i] = r.RouteID
	}
	return ids
}

//go:embed schema/slo_document.schema.json
var documentSchemaJSON string

const documentSchemaURL = "https://releasegate.local/schemas/slo_document.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(documentSchemaURL, strings.NewReader(documentSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("slo schema load failed: %w", err)
			return
		}
		schema, schemaErr = c.Compile(documentSchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("slo schema compile failed: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// LoadDocument reads an SLO document from JSON, or YAML for .yaml/.yml files,
// checks it against the document schema and validates it.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read slo document: %w", err)
	}
	doc, err := DecodeDocument(data, isYAML(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// DecodeDocument decodes and validates a document from raw bytes.
func DecodeDocument(data []byte, fromYAML bool) (*Document, error) {
	jsonData, err := normalize(data, fromYAML)
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(jsonData, &generic); err != nil {
		return nil, fmt.Errorf("slo document: %w", err)
	}
	sch, err := documentSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(generic); err != nil {
		return nil, fmt.Errorf("slo document schema validation failed: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, fmt.Errorf("slo document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadWitness reads a flat metric map (JSON, or YAML for .yaml/.yml files).
func LoadWitness(path string) (map[string]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read witness: %w", err)
	}
	w, err := DecodeWitness(data, isYAML(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// DecodeWitness decodes a flat metric map. Non-numeric values are rejected.
func DecodeWitness(data []byte, fromYAML bool) (map[string]float64, error) {
	jsonData, err := normalize(data, fromYAML)
	if err != nil {
		return nil, err
	}
	var t Targets
	if err := json.Unmarshal(jsonData, &t); err != nil {
		return nil, fmt.Errorf("witness: %w", err)
	}
	if t == nil {
		t = Targets{}
	}
	return map[string]float64(t), nil
}

// normalize converts YAML input to JSON so that one decoding path serves both.
func normalize(data []byte, fromYAML bool) ([]byte, error) {
	if !fromYAML {
		return bytes.TrimSpace(data), nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
