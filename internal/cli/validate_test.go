package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ghostTargetCUE = `
entity: Member: {
	identity: "id"
	properties: {
		id:   int
		team: {type: "association", target: "Ghost"}
	}
}
`

const floatCUE = `
entity: Reading: {
	identity: "id"
	properties: {
		id:    int
		value: float
	}
}
`

func TestValidateBundledEntities(t *testing.T) {
	entitiesDir := filepath.Join("..", "..", "testdata", "entities")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{entitiesDir})

	err := cmd.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ 2 entities valid")
}

func TestValidateValidEntitiesJSON(t *testing.T) {
	dir := writeEntities(t, memberCUE)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.NoError(t, err)

	var result ValidationResult
	resp := decodeResponse(t, buf.String(), &result)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, result.Valid)
	assert.Equal(t, []string{"Member", "Team"}, result.Entities)
}

func TestValidateDefaultsToEntitiesFlag(t *testing.T) {
	dir := writeEntities(t, memberCUE)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text", EntitiesDir: dir}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "✓ 2 entities valid")
}

func TestValidateNonExistentDirectory(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"/nonexistent/directory/path"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "E005") // ErrCodeNotFound
	assert.Contains(t, buf.String(), "not found")
}

func TestValidateEmptyDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{tmpDir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E003")
	assert.Contains(t, buf.String(), "no CUE files found")
}

func TestValidateCUESyntaxError(t *testing.T) {
	dir := writeEntities(t, "entity: Member: {\n")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeLoadFailed)
}

func TestValidateInvalidEntities(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		wantCode string
		wantText string
	}{
		{"unknown target", ghostTargetCUE, "E107", "Ghost"},
		{"float property", floatCUE, "E106", "float"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeEntities(t, tt.src)

			buf := &bytes.Buffer{}
			rootOpts := &RootOptions{Format: "text"}
			cmd := NewValidateCommand(rootOpts)
			cmd.SetOut(buf)
			cmd.SetArgs([]string{dir})

			err := cmd.Execute()
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			assert.Contains(t, err.Error(), "validation failed")
			assert.Contains(t, buf.String(), "✗ Validation failed")
			assert.Contains(t, buf.String(), tt.wantCode)
			assert.Contains(t, buf.String(), tt.wantText)
		})
	}
}

func TestValidateInvalidEntitiesJSON(t *testing.T) {
	dir := writeEntities(t, ghostTargetCUE)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.Error(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	require.NotEmpty(t, resp.Data.Errors)
	assert.Equal(t, "E107", resp.Data.Errors[0].Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E107", resp.Error.Code)
}

func TestValidateVerboseLogsToStderr(t *testing.T) {
	dir := writeEntities(t, memberCUE)

	buf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json", Verbose: true}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(errBuf)
	cmd.SetArgs([]string{dir})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, errBuf.String(), "Validated entity: Member")

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestLoadEntities_CollectsAllErrors(t *testing.T) {
	dir := writeEntities(t, ghostTargetCUE+floatCUE)

	result, errs := LoadEntities(dir, LoadModeCollectAll)
	require.NotNil(t, result)
	assert.Nil(t, result.Registry)
	assert.GreaterOrEqual(t, len(errs), 2)

	_, errs = LoadEntities(dir, LoadModeFailFast)
	assert.Len(t, errs, 1)
}

func TestLoadRegistry(t *testing.T) {
	dir := writeEntities(t, memberCUE)

	reg, err := LoadRegistry(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Member", "Team"}, reg.Names())

	desc, err := reg.Describe("Member")
	require.NoError(t, err)
	assert.Equal(t, "id", desc.Identity())
}

func TestFindCUEFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cue"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.cue"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte(""), 0644))

	files, err := FindCUEFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestMapFieldToErrorCode(t *testing.T) {
	tests := []struct {
		field   string
		message string
		want    string
	}{
		{"identity", "identity is required", "E103"},
		{"properties", "at least one property is required", "E102"},
		{"properties.team.target", "unknown target", "E107"},
		{"properties.value.type", "float types are forbidden - use int instead", "E106"},
		{"type", "invalid type", "E104"},
		{"name", "something else", ErrCodeGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			assert.Equal(t, tt.want, MapFieldToErrorCode(tt.field, tt.message))
		})
	}
}
