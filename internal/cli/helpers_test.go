package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// placesConfig declares one join with a selected-field reference and a
// full-document array reference.
const placesConfig = `
package config

query: placesView: {
	from: "places/{placeID}"
	to:   "placesView/{placeID}"
	references: [
		{source: "companyID", target: "company", collection: "companies", fields: ["$.name"]},
		{source: "tagIDs", target: "tags", collection: "tags"},
	]
}
`

// writeConfig writes content as the single CUE file of a new config
// directory.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "queries.cue"), []byte(content), 0644))
	return dir
}

// runCLI executes the root command and returns what it wrote to stdout.
// Logs and errors go to stderr.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// mustRunCLI is runCLI for commands that must succeed.
func mustRunCLI(t *testing.T, args ...string) string {
	t.Helper()
	stdout, stderr, err := runCLI(t, args...)
	require.NoError(t, err, "stdout: %s\nstderr: %s", stdout, stderr)
	return stdout
}

// decodeResponse parses a JSON CLI response, decoding its data into data.
func decodeResponse(t *testing.T, out string, data any) CLIResponse {
	t.Helper()
	var raw struct {
		Status  string          `json:"status"`
		Data    json.RawMessage `json:"data"`
		Error   *CLIError       `json:"error"`
		BatchID string          `json:"batch_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), "output: %s", out)
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return CLIResponse{Status: raw.Status, Error: raw.Error, BatchID: raw.BatchID}
}

// seedPlaces writes a company, a tag and a place through put --wait so
// placesView/p1 is materialized.
func seedPlaces(t *testing.T, dbPath, configDir string) {
	t.Helper()
	mustRunCLI(t, "put", "--db", dbPath, "companies/c1", `{"name": "acme", "secret": "x"}`)
	mustRunCLI(t, "put", "--db", dbPath, "tags/t1", `{"label": "museum"}`)
	mustRunCLI(t, "put", "--db", dbPath, "--config", configDir, "--wait",
		"places/p1", `{"name": "Louvre", "companyID": "c1", "tagIDs": ["t1"]}`)
}
