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

const memberCUE = `
entity: Member: {
	identity: "id"
	properties: {
		id:       {type: "int", column: "member_id"}
		username: string
		age:      int
		team:     {type: "association", target: "Team", nullable: true}
	}
}

entity: Team: {
	identity: "id"
	properties: {
		id:   {type: "int", column: "team_id"}
		name: string
	}
}
`

// writeEntities writes src as the only CUE file of a fresh directory.
func writeEntities(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "entities.cue"), []byte(src), 0644))
	return dir
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// decodeResponse parses a single JSON CLI response.
func decodeResponse(t *testing.T, out string, data any) CLIResponse {
	t.Helper()
	var raw struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), "output: %s", out)
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return CLIResponse{Status: raw.Status, Error: raw.Error}
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "qplan", cmd.Use)
	assert.Contains(t, cmd.Long, "findByUsernameAndAgeGreaterThan")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"validate", "derive", "sql", "schema", "query", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	entitiesFlag := cmd.PersistentFlags().Lookup("entities")
	require.NotNil(t, entitiesFlag)
	assert.Equal(t, "./entities", entitiesFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestPlanCommandFlags(t *testing.T) {
	for _, name := range []string{"derive", "sql", "query"} {
		t.Run(name, func(t *testing.T) {
			cmd := NewRootCommand()
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)

			page := sub.Flags().Lookup("page")
			require.NotNil(t, page)
			assert.Equal(t, "-1", page.DefValue)

			for _, flag := range []string{"size", "sort", "fetch", "lock", "read-only"} {
				assert.NotNil(t, sub.Flags().Lookup(flag), "flag %s", flag)
			}
		})
	}
}

func TestQueryCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	queryCmd, _, err := cmd.Find([]string{"query"})
	require.NoError(t, err)

	dbFlag := queryCmd.Flags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, ":memory:", dbFlag.DefValue)

	assert.NotNil(t, queryCmd.Flags().Lookup("seed"))
	assert.NotNil(t, queryCmd.Flags().Lookup("metrics"))
}

func TestSchemaCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	schemaCmd, _, err := cmd.Find([]string{"schema"})
	require.NoError(t, err)

	outputFlag := schemaCmd.Flags().Lookup("output")
	require.NotNil(t, outputFlag)
	assert.Equal(t, "o", outputFlag.Shorthand)

	applyFlag := schemaCmd.Flags().Lookup("apply")
	require.NotNil(t, applyFlag)
	assert.Equal(t, "false", applyFlag.DefValue)
}

func TestTestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	testCmd, _, err := cmd.Find([]string{"test"})
	require.NoError(t, err)

	assert.NotNil(t, testCmd.Flags().Lookup("update"))
	assert.NotNil(t, testCmd.Flags().Lookup("filter"))
	assert.NotNil(t, testCmd.Flags().Lookup("parallel"))
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	_, err := execute(t, "validate", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestRootCommand_ConfigFile(t *testing.T) {
	entities := writeEntities(t, memberCUE)
	cfgPath := filepath.Join(t.TempDir(), "qplan.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("format: json\nentities_dir: "+entities+"\n"), 0644))

	out, err := execute(t, "validate", "--config", cfgPath)
	require.NoError(t, err)

	var result ValidationResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []string{"Member", "Team"}, result.Entities)
}

func TestRootCommand_FlagOverridesConfigFile(t *testing.T) {
	entities := writeEntities(t, memberCUE)
	cfgPath := filepath.Join(t.TempDir(), "qplan.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("format: json\nentities_dir: /nonexistent\n"), 0644))

	out, err := execute(t, "validate", "--config", cfgPath, "--entities", entities, "--format", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ 2 entities valid")
}

func TestRootCommand_MissingConfigFile(t *testing.T) {
	_, err := execute(t, "validate", "--config", "/nonexistent/qplan.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestRootOptions_Settings(t *testing.T) {
	opts := &RootOptions{}
	cfg := opts.settings()
	require.NotNil(t, cfg)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.Same(t, cfg, opts.settings())
}
