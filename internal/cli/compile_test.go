package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/denorm/internal/join"
	"github.com/roach88/denorm/internal/propagate"
)

const groupedConfig = `
package config

query: localizedPlaces: {
	from: "places/{placeID}"
	to:   "localized/{locale}/places/{placeID}"
	references: [
		{source: "tagIDs", target: "tags", collection: "tagsByLocale/{locale}/tags"},
	]
	group: {
		parameter: "locale"
		values: ["en", "ja"]
	}
}
`

func TestCompileValidQueries(t *testing.T) {
	configDir := writeConfig(t, placesConfig)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewCompileCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{configDir})

	err := cmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "✓ Compiled 1 query(ies), 2 reference(s), 3 trigger(s)")
	assert.Contains(t, output, "placesView: places/{placeID} → placesView/{placeID}")
	assert.Contains(t, output, "companyID → company (companies) [$.name]")
	assert.Contains(t, output, "Propagation:")
	assert.Contains(t, output, "→ placesView/{placeID}.company")
	assert.Contains(t, output, "→ placesView/{placeID}.tags")
}

func TestCompileValidQueriesJSON(t *testing.T) {
	configDir := writeConfig(t, placesConfig)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewCompileCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{configDir})

	require.NoError(t, cmd.Execute())

	var result CompilationResult
	resp := decodeResponse(t, buf.String(), &result)
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, result.Queries, 1)
	assert.Equal(t, "placesView", result.Queries[0].Name)
	require.Len(t, result.Queries[0].References, 2)
	assert.Equal(t, []string{"$.name"}, result.Queries[0].References[0].Fields)

	require.Len(t, result.Targets, 2)
	for _, target := range result.Targets {
		assert.Equal(t, "placesView", target.Query)
		assert.Equal(t, "placesView/{placeID}", target.To)
	}
	assert.Empty(t, result.Cycles)
}

func TestCompileGroupedQuery(t *testing.T) {
	configDir := writeConfig(t, groupedConfig)

	out := mustRunCLI(t, "compile", configDir)
	assert.Contains(t, out, "group locale: en, ja")
	assert.Contains(t, out, "→ localized/{locale}/places/{placeID}.tags")
}

func TestCompileOutputToFile(t *testing.T) {
	configDir := writeConfig(t, placesConfig)
	outputFile := filepath.Join(t.TempDir(), "compiled.json")

	out := mustRunCLI(t, "compile", "-o", outputFile, configDir)
	assert.Contains(t, out, "Wrote compiled queries to "+outputFile)

	data, err := os.ReadFile(outputFile)
	require.NoError(t, err)

	var result CompilationResult
	require.NoError(t, json.Unmarshal(data, &result))
	require.Len(t, result.Queries, 1)
	assert.Equal(t, "places/{placeID}", result.Queries[0].From)
}

func TestCompileNonExistentDirectory(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewCompileCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"/nonexistent/path"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), ErrCodeNotFound)
}

func TestCompileEmptyDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewCompileCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{tmpDir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, buf.String(), "no CUE files found")
}

func TestCompileNoQueries(t *testing.T) {
	configDir := writeConfig(t, "package config\n\nsettings: debug: true\n")

	out, _, err := runCLI(t, "compile", configDir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeNoQueries)
}

func TestCompileMissingField(t *testing.T) {
	configDir := writeConfig(t, `
package config

query: broken: {
	to: "brokenView/{id}"
}
`)

	out, _, err := runCLI(t, "compile", configDir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "✗ Compilation failed")
	assert.Contains(t, out, ErrCodeQueryFrom)
	assert.Contains(t, out, "query.broken")
}

func TestCompileInvalidQueryJSON(t *testing.T) {
	configDir := writeConfig(t, `
package config

query: unbound: {
	from: "places/{placeID}"
	to:   "placesView/{areaID}"
	references: []
}
`)

	out, _, err := runCLI(t, "--format", "json", "compile", configDir)
	require.Error(t, err)

	var errs []CLIError
	resp := decodeResponse(t, out, &errs)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E204", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "query.unbound.to")
	assert.NotEmpty(t, errs)
}

func TestCompileReportsCycles(t *testing.T) {
	configDir := writeConfig(t, `
package config

query: areas: {
	from: "areas/{areaID}"
	to:   "areas/{areaID}"
	references: [
		{source: "parentID", target: "parent", collection: "areas", fields: ["$.name"]},
	]
}
`)

	out := mustRunCLI(t, "compile", configDir)
	assert.Contains(t, out, "Cycles:")
	assert.Contains(t, out, "⚠")
}

func TestCompileVerboseOutput(t *testing.T) {
	configDir := writeConfig(t, placesConfig)

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json", Verbose: true}
	cmd := NewCompileCommand(rootOpts)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs([]string{configDir})

	require.NoError(t, cmd.Execute())

	// Verbose logs stay off stdout so the JSON remains parseable.
	assert.Contains(t, stderr.String(), "Found 1 CUE file(s)")
	assert.Contains(t, stderr.String(), "Compiled query: placesView")
	decodeResponse(t, stdout.String(), nil)
}

func TestFindCUEFiles(t *testing.T) {
	tmpDir := t.TempDir()

	subDir := filepath.Join(tmpDir, "subdir")
	require.NoError(t, os.MkdirAll(subDir, 0755))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "root.cue"), []byte("package test"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "notcue.txt"), []byte("not a cue file"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, "nested.cue"), []byte("package test"), 0644))

	files, err := FindCUEFiles(tmpDir)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestMapFieldToErrorCode(t *testing.T) {
	tests := []struct {
		field    string
		expected string
	}{
		{"from", ErrCodeQueryFrom},          // E101
		{"to", ErrCodeQueryTo},              // E102
		{"source", ErrCodeReference},        // E103
		{"collection", ErrCodeReference},    // E103
		{"references[2]", ErrCodeReference}, // E103
		{"group.values", ErrCodeGroup},      // E104
		{"cue", ErrCodeCUEInvalid},          // E105
		{"unknown", ErrCodeGeneric},         // E001
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			assert.Equal(t, tt.expected, MapFieldToErrorCode(tt.field))
		})
	}
}

func TestCalculateStats(t *testing.T) {
	queries := []join.Query{
		{
			Name: "placesView",
			From: "places/{placeID}",
			To:   "placesView/{placeID}",
			References: []join.Reference{
				{SourceField: "companyID", TargetField: "company", Collection: "companies"},
				{SourceField: "tagIDs", TargetField: "tags", Collection: "tags"},
			},
		},
		{
			Name:  "localizedPlaces",
			From:  "places/{placeID}",
			To:    "localized/{locale}/places/{placeID}",
			Group: &join.Group{Parameter: "locale", Values: []string{"en"}},
		},
	}
	targets := map[string][]propagate.Target{
		"companies/{id}": {{Query: "placesView"}},
		"tags/{id}":      {{Query: "placesView"}},
	}

	stats := calculateStats(queries, targets)

	assert.Equal(t, 2, stats.QueryCount)
	assert.Equal(t, 2, stats.ReferenceCount)
	assert.Equal(t, 1, stats.GroupedCount)
	assert.Equal(t, 4, stats.TriggerCount)
}
