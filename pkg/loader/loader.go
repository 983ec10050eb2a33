// Package loader imports and exports flow documents as JSON or YAML.
package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/tcmartin/flowcraft/pkg/models"
	"github.com/tcmartin/flowcraft/pkg/utils"
)

// Format is the encoding of a flow document
type Format string

// Supported formats
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat guesses the format from a file name or content type, then
// from the content itself
func DetectFormat(content []byte, hint string) Format {
	hint = strings.ToLower(hint)
	switch {
	case strings.Contains(hint, "yaml"), strings.Contains(hint, "yml"):
		return FormatYAML
	case strings.Contains(hint, "json"):
		return FormatJSON
	}

	trimmed := bytes.TrimSpace(content)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	return FormatYAML
}

// Document is an importable flow: metadata plus its diagram
type Document struct {
	Name        string        `json:"name,omitempty"`
	Description string        `json:"description,omitempty"`
	Nodes       []models.Node `json:"nodes"`
	Edges       []models.Edge `json:"edges"`
}

// ValidationError lists every problem found in a document
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid flow document: " + strings.Join(e.Problems, "; ")
}

// Loader validates flow documents against DiagramSchema
type Loader struct {
	schema *jsonschema.Schema
}

// New compiles the diagram schema
func New() (*Loader, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("diagram.json", strings.NewReader(DiagramSchema)); err != nil {
		return nil, fmt.Errorf("failed to add diagram schema: %w", err)
	}
	schema, err := compiler.Compile("diagram.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile diagram schema: %w", err)
	}
	return &Loader{schema: schema}, nil
}

// Parse decodes, validates and normalizes a document. Edges without an id
// get one derived from their endpoints.
func (l *Loader) Parse(content []byte, format Format) (*Document, error) {
	generic, err := decode(content, format)
	if err != nil {
		return nil, err
	}

	if err := l.schema.Validate(generic); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, &ValidationError{Problems: flatten(ve)}
		}
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}

	raw, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}

	if problems := checkGraph(&doc); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	for i := range doc.Edges {
		if doc.Edges[i].ID == "" {
			doc.Edges[i].ID = doc.Edges[i].Source + "-" + doc.Edges[i].Target
		}
	}
	if doc.Edges == nil {
		doc.Edges = []models.Edge{}
	}
	return &doc, nil
}

// Validate reports whether content is an importable document
func (l *Loader) Validate(content []byte, format Format) error {
	_, err := l.Parse(content, format)
	return err
}

// Diagram returns the document's diagram for a flow
func (d *Document) Diagram(flowID, workspaceID string) *models.Diagram {
	return &models.Diagram{
		FlowID:      flowID,
		WorkspaceID: workspaceID,
		Nodes:       d.Nodes,
		Edges:       d.Edges,
	}
}

// Export encodes a flow and its diagram as a document
func Export(flow *models.Flow, diagram *models.Diagram, format Format) ([]byte, error) {
	doc := Document{Name: flow.Name, Description: flow.Description, Nodes: diagram.Nodes, Edges: diagram.Edges}
	if format == FormatJSON {
		return json.MarshalIndent(doc, "", "  ")
	}

	// round trip through JSON so YAML keys follow the JSON field names
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return yaml.Marshal(generic)
}

func decode(content []byte, format Format) (interface{}, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, &ValidationError{Problems: []string{"document is empty"}}
	}

	var generic interface{}
	switch format {
	case FormatYAML:
		var v interface{}
		if err := utils.ParseYAML(string(content), &v); err != nil {
			return nil, &ValidationError{Problems: []string{"invalid YAML: " + err.Error()}}
		}
		// YAML scalars decode to Go ints; the schema validator wants JSON values
		raw, err := json.Marshal(utils.NormalizeYAML(v))
		if err != nil {
			return nil, &ValidationError{Problems: []string{"unsupported YAML structure: " + err.Error()}}
		}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(content, &generic); err != nil {
			return nil, &ValidationError{Problems: []string{"invalid JSON: " + err.Error()}}
		}
	}
	return generic, nil
}

func checkGraph(doc *Document) []string {
	var problems []string

	ids := make(map[string]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		if ids[n.ID] {
			problems = append(problems, fmt.Sprintf("duplicate node id '%s'", n.ID))
		}
		ids[n.ID] = true
	}
	for _, e := range doc.Edges {
		if !ids[e.Source] {
			problems = append(problems, fmt.Sprintf("edge references non-existent source node '%s'", e.Source))
		}
		if !ids[e.Target] {
			problems = append(problems, fmt.Sprintf("edge references non-existent target node '%s'", e.Target))
		}
	}
	return problems
}

// flatten collects the leaf messages of a schema validation error
func flatten(err *jsonschema.ValidationError) []string {
	if len(err.Causes) == 0 {
		location := err.InstanceLocation
		if location == "" {
			location = "/"
		}
		return []string{fmt.Sprintf("at '%s': %s", location, err.Message)}
	}

	var out []string
	for _, cause := range err.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}
