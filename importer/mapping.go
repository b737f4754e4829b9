/*
mapping.go - Declarative field mapping for external records

PURPOSE:
  External workspaces name their columns however their owners like
  ("Email", "E-mail", "Participant Email"...). A FieldMapping says, per
  schema, which source properties feed each target field, in order of
  preference, whether the field is required, and what to use when it is
  missing.

RULES:
  - The first listed property present with a non-empty value wins.
  - A required field with no value rejects the record (*MappingError).
  - An optional field with no value takes the rule's default.
  - Mappings are validated at load time, not when records arrive.

EXAMPLE (YAML):
  participants:
    email:  {sources: [Email, E-mail], required: true}
    status: {sources: [Status], default: active}

SEE ALSO:
  - importer.go: Applies the mapped records
  - mappings.example.yaml: Full default table
*/
package importer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Target fields per schema.
const (
	FieldName   = "name"
	FieldEmail  = "email"
	FieldStatus = "status"
	FieldRole   = "role"
	FieldDelta  = "delta"
	FieldReason = "reason"
	FieldSource = "source"
	FieldDate   = "date"
)

var (
	participantFields = []string{FieldName, FieldEmail, FieldStatus, FieldRole}
	ledgerFields      = []string{FieldEmail, FieldDelta, FieldReason, FieldSource, FieldDate}
)

// FieldRule maps one target field.
type FieldRule struct {
	Sources  []string `yaml:"sources"`
	Required bool     `yaml:"required"`
	Default  string   `yaml:"default"`
}

// Schema maps target field names to rules.
type Schema map[string]FieldRule

// FieldMapping holds one schema per record kind.
type FieldMapping struct {
	Participants Schema `yaml:"participants"`
	Ledger       Schema `yaml:"ledger"`
}

// DefaultMappings matches the column names used by the workspace templates,
// English and Russian.
func DefaultMappings() *FieldMapping {
	return &FieldMapping{
		Participants: Schema{
			FieldName:   {Sources: []string{"Name", "Имя"}},
			FieldEmail:  {Sources: []string{"Email", "E-mail"}, Required: true},
			FieldStatus: {Sources: []string{"Status", "Статус"}, Default: "active"},
			FieldRole:   {Sources: []string{"Role", "Роль"}, Default: "participant"},
		},
		Ledger: Schema{
			FieldEmail:  {Sources: []string{"Email", "Participant Email"}, Required: true},
			FieldDelta:  {Sources: []string{"Delta", "Points"}, Required: true},
			FieldReason: {Sources: []string{"Reason", "Описание"}},
			FieldSource: {Sources: []string{"Source", "Источник"}, Default: "manual"},
			FieldDate:   {Sources: []string{"Date", "Дата"}},
		},
	}
}

// LoadMappings reads and validates a mapping file.
func LoadMappings(path string) (*FieldMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mappings: %w", err)
	}
	return ParseMappings(data)
}

// ParseMappings decodes YAML and validates the result.
func ParseMappings(data []byte) (*FieldMapping, error) {
	var m FieldMapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mappings: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate rejects unknown target fields, required fields without sources
// and schemas missing the fields records are keyed by.
func (m *FieldMapping) Validate() error {
	if err := m.Participants.validate("participants", participantFields, FieldEmail); err != nil {
		return err
	}
	return m.Ledger.validate("ledger", ledgerFields, FieldEmail, FieldDelta)
}

func (s Schema) validate(name string, known []string, mandatory ...string) error {
	targets := make([]string, 0, len(s))
	for target := range s {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	var errs []error
	for _, target := range targets {
		rule := s[target]
		if !contains(known, target) {
			errs = append(errs, fmt.Errorf("%s: unknown field %q", name, target))
			continue
		}
		if rule.Required && len(rule.Sources) == 0 {
			errs = append(errs, fmt.Errorf("%s: required field %q has no sources", name, target))
		}
	}
	for _, target := range mandatory {
		if rule, ok := s[target]; !ok || len(rule.Sources) == 0 {
			errs = append(errs, fmt.Errorf("%s: field %q must be mapped", name, target))
		}
	}
	return errors.Join(errs...)
}

// MappingError reports a record that could not be mapped.
type MappingError struct {
	RecordID string
	Field    string
	Reason   string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("record %s: field %q: %s", e.RecordID, e.Field, e.Reason)
}

// Apply resolves every target field of the schema against a record's
// properties.
func (s Schema) Apply(rec Record) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for target, rule := range s {
		value, found := lookup(rec.Properties, rule.Sources)
		switch {
		case found:
			out[target] = value
		case rule.Required:
			return nil, &MappingError{
				RecordID: rec.ID,
				Field:    target,
				Reason:   fmt.Sprintf("none of %v present", rule.Sources),
			}
		default:
			out[target] = rule.Default
		}
	}
	return out, nil
}

func lookup(props map[string]any, sources []string) (string, bool) {
	for _, name := range sources {
		raw, ok := props[name]
		if !ok {
			continue
		}
		if v := formatValue(raw); v != "" {
			return v, true
		}
	}
	return "", false
}

// formatValue flattens a scalar JSON value.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
