package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequestBodyCreateArtifact(t *testing.T) {
	var req createArtifactRequest
	err := validateRequestBody("create_artifact", []byte(`{
		"title": "Sales",
		"kind": "table",
		"args": {"columns": ["a"]}
	}`), &req)
	require.NoError(t, err)
	assert.Equal(t, "Sales", req.Title)
	assert.Equal(t, "table", req.Kind)
	assert.Len(t, req.Args, 1)
}

func TestValidateRequestBodyRejections(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		raw    string
	}{
		{"not json", "create_artifact", `{"title":`},
		{"missing required", "create_artifact", `{"kind": "table"}`},
		{"bad enum", "create_artifact", `{"title": "x", "kind": "scatter"}`},
		{"extra field", "create_artifact", `{"title": "x", "kind": "table", "oops": 1}`},
		{"empty content", "create_version", `{"content": ""}`},
		{"non-string metadata", "create_version", `{"content": "x", "metadata": {"n": 1}}`},
		{"missing visibility", "agent_permissions", `{"userIds": ["u1"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst map[string]any
			assert.Error(t, validateRequestBody(tt.schema, []byte(tt.raw), &dst))
		})
	}
}

func TestValidateRequestBodyUnknownSchema(t *testing.T) {
	var dst map[string]any
	err := validateRequestBody("no_such_schema", []byte(`{}`), &dst)
	assert.Error(t, err)
}

func TestValidateRequestBodyLegacyVisibility(t *testing.T) {
	var req permissionsRequest
	err := validateRequestBody("agent_permissions", []byte(`{"visibility": "admin-shared"}`), &req)
	require.NoError(t, err)
	assert.Equal(t, "admin-shared", req.Visibility)
}
