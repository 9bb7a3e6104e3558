package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// definitionSchema constrains lifecycle definition files before the
// structural checks in Validate run.
const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["entity_type", "initial", "transitions"],
  "properties": {
    "entity_type": {"type": "string", "minLength": 1},
    "initial": {"type": "string", "minLength": 1},
    "park_state": {"type": "string"},
    "resume_state": {"type": "string"},
    "transitions": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": {
          "type": "object",
          "properties": {
            "requires_annotation": {"type": "boolean"},
            "requires_resume_at": {"type": "boolean"}
          },
          "additionalProperties": false
        }
      }
    }
  },
  "additionalProperties": false
}`

var compiledDefinitionSchema = jsonschema.MustCompileString("definition.schema.json", definitionSchema)

// definitionFile is the on-disk shape of a lifecycle definition.
type definitionFile struct {
	EntityType  string                     `json:"entity_type" yaml:"entity_type"`
	Initial     string                     `json:"initial" yaml:"initial"`
	ParkState   string                     `json:"park_state" yaml:"park_state"`
	ResumeState string                     `json:"resume_state" yaml:"resume_state"`
	Transitions map[string]map[string]Rule `json:"transitions" yaml:"transitions"`
}

// LoadDefinition reads a YAML lifecycle definition, validates it against
// the schema and the structural rules, and returns the transition table.
func LoadDefinition(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: read definition: %w", err)
	}
	return ParseDefinition(raw)
}

// ParseDefinition parses and validates YAML definition bytes.
func ParseDefinition(raw []byte) (*Definition, error) {
	var file definitionFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("lifecycle: parse definition: %w", err)
	}

	// Round-trip through JSON so the schema validator sees JSON-typed
	// values rather than YAML's.
	jsonBytes, err := json.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: re-encode definition: %w", err)
	}
	var generic any
	if err := json.Unmarshal(jsonBytes, &generic); err != nil {
		return nil, fmt.Errorf("lifecycle: re-decode definition: %w", err)
	}
	if err := compiledDefinitionSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("lifecycle: definition schema: %w", err)
	}

	def := &Definition{
		EntityType:  file.EntityType,
		Initial:     State(file.Initial),
		ParkState:   State(file.ParkState),
		ResumeState: State(file.ResumeState),
		Transitions: make(map[State]map[State]Rule, len(file.Transitions)),
	}
	for from, targets := range file.Transitions {
		def.Transitions[State(from)] = make(map[State]Rule, len(targets))
		for to, rule := range targets {
			def.Transitions[State(from)][State(to)] = rule
		}
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}
