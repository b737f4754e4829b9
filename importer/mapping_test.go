package importer_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/importer"
	"github.com/warp/points-engine/points"
)

func TestParseMappings_Valid(t *testing.T) {
	m, err := importer.ParseMappings([]byte(`
participants:
  email: {sources: [Mail], required: true}
  name:  {sources: [Full Name]}
ledger:
  email: {sources: [Mail], required: true}
  delta: {sources: [Score], required: true}
  source: {sources: [Kind], default: checkin}
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"Mail"}, m.Participants[importer.FieldEmail].Sources)
	assert.Equal(t, "checkin", m.Ledger[importer.FieldSource].Default)
}

func TestParseMappings_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown target", `
participants:
  email: {sources: [Email]}
  nickname: {sources: [Nick]}
ledger:
  email: {sources: [Email]}
  delta: {sources: [Delta]}
`},
		{"required without sources", `
participants:
  email: {sources: [Email]}
  name: {required: true}
ledger:
  email: {sources: [Email]}
  delta: {sources: [Delta]}
`},
		{"ledger delta unmapped", `
participants:
  email: {sources: [Email]}
ledger:
  email: {sources: [Email]}
`},
		{"participant email unmapped", `
participants:
  name: {sources: [Name]}
ledger:
  email: {sources: [Email]}
  delta: {sources: [Delta]}
`},
		{"not yaml", `participants: [`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := importer.ParseMappings([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDefaultMappings_Validate(t *testing.T) {
	assert.NoError(t, importer.DefaultMappings().Validate())
}

func TestSchemaApply(t *testing.T) {
	// GIVEN: The default participant schema
	// WHEN: A record has an empty "Email" but a filled "E-mail", and no status
	// THEN: The fallback column is used and status takes its default

	schema := importer.DefaultMappings().Participants
	rec := importer.Record{
		ID: "rec-1",
		Properties: map[string]any{
			"Имя":    "Ирина",
			"Email":  "",
			"E-mail": " irina@example.com ",
		},
	}

	fields, err := schema.Apply(rec)
	require.NoError(t, err)
	assert.Equal(t, "Ирина", fields[importer.FieldName])
	assert.Equal(t, "irina@example.com", fields[importer.FieldEmail])
	assert.Equal(t, "active", fields[importer.FieldStatus])
	assert.Equal(t, "participant", fields[importer.FieldRole])
}

func TestSchemaApply_Numbers(t *testing.T) {
	schema := importer.DefaultMappings().Ledger
	fields, err := schema.Apply(importer.Record{
		ID: "rec-2",
		Properties: map[string]any{
			"Participant Email": "a@example.com",
			"Points":            json.Number("40"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "40", fields[importer.FieldDelta])
	assert.Equal(t, "manual", fields[importer.FieldSource])
}

func TestSchemaApply_MissingRequired(t *testing.T) {
	schema := importer.DefaultMappings().Participants
	_, err := schema.Apply(importer.Record{
		ID:         "rec-3",
		Properties: map[string]any{"Name": "No Email"},
	})

	var mapErr *importer.MappingError
	require.True(t, errors.As(err, &mapErr))
	assert.Equal(t, "rec-3", mapErr.RecordID)
	assert.Equal(t, importer.FieldEmail, mapErr.Field)
}

func TestParseDelta(t *testing.T) {
	tests := []struct {
		in      string
		want    points.Points
		wantErr bool
	}{
		{"50", 50, false},
		{" -20 ", -20, false},
		{"50.0", 50, false},
		{"12.5", 0, true},
		{"0", 0, true},
		{"abc", 0, true},
		{"", 0, true},
		{"99999999999999999999", 0, true},
		{"9223372036854775807", 0, true},
		{"9007199254740992", 9007199254740992, false},
		{"-9007199254740992", -9007199254740992, false},
		{"9007199254740993", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := importer.ParseDelta(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
