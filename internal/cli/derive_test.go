package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qplan/internal/plan"
)

func TestDerive_Text(t *testing.T) {
	dir := writeEntities(t, memberCUE)

	out, err := execute(t, "derive", "Member", "findByUsername", "m1", "--entities", dir)
	require.NoError(t, err)

	assert.Contains(t, out, "findByUsername find")
	assert.Contains(t, out, `username = "m1"`)
	assert.Contains(t, out, "entity       Member")
	assert.Contains(t, out, "fingerprint")
	assert.NotContains(t, out, "predicate")
}

func TestDerive_JSON(t *testing.T) {
	dir := writeEntities(t, memberCUE)

	out, err := execute(t, "derive", "Member", "findByUsernameAndAgeGreaterThan", "m1", "15",
		"--entities", dir, "--format", "json")
	require.NoError(t, err)

	var result struct {
		Signature   string         `json:"signature"`
		Shape       string         `json:"shape"`
		Fingerprint string         `json:"fingerprint"`
		Plan        map[string]any `json:"plan"`
	}
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "findByUsernameAndAgeGreaterThan", result.Signature)
	assert.NotEmpty(t, result.Fingerprint)
	assert.Equal(t, "Member", result.Plan["entity"])
	assert.Equal(t, "find", result.Plan["subject"])
	assert.Equal(t, `(username = "m1" AND age > 15)`, result.Plan["where"])
	assert.NotEmpty(t, result.Plan["id"])
}

func TestDerive_FingerprintCoversArguments(t *testing.T) {
	dir := writeEntities(t, memberCUE)

	fingerprint := func(arg string) string {
		out, err := execute(t, "derive", "Member", "findByAge", arg, "--entities", dir, "--format", "json")
		require.NoError(t, err)
		var result struct {
			Fingerprint string `json:"fingerprint"`
		}
		decodeResponse(t, out, &result)
		return result.Fingerprint
	}
	assert.NotEqual(t, fingerprint("10"), fingerprint("20"))
}

func TestDerive_PlanFlags(t *testing.T) {
	dir := writeEntities(t, memberCUE)

	out, err := execute(t, "derive", "Member", "findByAge", "10",
		"--entities", dir, "--format", "json",
		"--page", "1", "--size", "5", "--sort", "username desc",
		"--fetch", "team", "--lock", "shared", "--read-only")
	require.NoError(t, err)

	var result struct {
		Plan map[string]any `json:"plan"`
	}
	decodeResponse(t, out, &result)

	page, ok := result.Plan["page"].(map[string]any)
	require.True(t, ok, "plan: %v", result.Plan)
	assert.EqualValues(t, 1, page["index"])
	assert.EqualValues(t, 5, page["size"])
	assert.Contains(t, page["sort"], "username DESC")
	assert.Equal(t, []any{"team"}, result.Plan["fetch"])
	assert.Equal(t, "shared", result.Plan["lock"])
	assert.Equal(t, true, result.Plan["read_only"])
}

func TestDerive_UnpagedSortMergesAfterDerivedSort(t *testing.T) {
	dir := writeEntities(t, memberCUE)

	out, err := execute(t, "derive", "Member", "findByAgeOrderByUsernameDesc", "10",
		"--entities", dir, "--format", "json", "--sort", "age")
	require.NoError(t, err)

	var result struct {
		Plan map[string]any `json:"plan"`
	}
	decodeResponse(t, out, &result)
	assert.Equal(t, []any{"username DESC", "age ASC"}, result.Plan["sort"])
}

func TestDerive_DefaultPageSize(t *testing.T) {
	dir := writeEntities(t, memberCUE)

	out, err := execute(t, "derive", "Member", "findByAge", "10",
		"--entities", dir, "--format", "json", "--page", "0")
	require.NoError(t, err)

	var result struct {
		Plan map[string]any `json:"plan"`
	}
	decodeResponse(t, out, &result)
	page, ok := result.Plan["page"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 20, page["size"])
}

func TestDerive_Errors(t *testing.T) {
	dir := writeEntities(t, memberCUE)

	tests := []struct {
		name     string
		args     []string
		wantCode string
		wantMsg  string
	}{
		{"unknown entity", []string{"Ghost", "findByName", "x"}, ErrCodeGeneric, `unknown entity "Ghost"`},
		{"malformed signature", []string{"Member", "fetchEverything"}, "E201", "malformed signature"},
		{"unresolvable property", []string{"Member", "findByNickname", "x"}, "E202", "Nickname"},
		{"arity", []string{"Member", "findByUsername"}, "E203", "takes 1 argument(s), got 0"},
		{"float argument", []string{"Member", "findByAge", "1.5"}, ErrCodeBadArgument, "argument 0"},
		{"bad sort", []string{"Member", "findByAge", "10", "--sort", "age sideways"}, ErrCodeBadArgument, "invalid sort"},
		{"unknown lock", []string{"Member", "findByAge", "10", "--lock", "optimistic"}, "", `unknown lock mode "optimistic"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"derive"}, tt.args...)
			args = append(args, "--entities", dir, "--format", "json")

			out, err := execute(t, args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.wantMsg)

			resp := decodeResponse(t, out, nil)
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, resp.Error.Code)
			}
		})
	}
}

func TestBuildPlan_SequenceIDs(t *testing.T) {
	dir := writeEntities(t, memberCUE)
	opts := &PlanOptions{
		RootOptions: &RootOptions{EntitiesDir: dir},
		Page:        -1,
		IDs:         plan.NewSequenceGenerator("plan"),
	}

	first, tmpl, err := opts.buildPlan("Member", "findFirstByOrderByAgeDesc", nil)
	require.NoError(t, err)
	assert.Equal(t, "plan-1", first.ID())
	assert.Equal(t, "optional", string(tmpl.Shape()))

	second, _, err := opts.buildPlan("Member", "countByTeamName", []string{"teamA"})
	require.NoError(t, err)
	assert.Equal(t, "plan-2", second.ID())
	assert.Equal(t, plan.SubjectCount, second.Subject())
}

func TestParseArgs(t *testing.T) {
	args, err := parseArgs([]string{"15", "true", "m1", "[1, 2]", "null"})
	require.NoError(t, err)
	require.Len(t, args, 5)
	assert.Equal(t, "15", render(args[0]))
	assert.Equal(t, "true", render(args[1]))
	assert.Equal(t, "m1", render(args[2]))
	assert.Equal(t, "[1,2]", render(args[3]))
	assert.Equal(t, "null", render(args[4]))

	_, err = parseArgs([]string{"2.5"})
	require.Error(t, err)
	assert.Equal(t, ErrCodeBadArgument, errorCode(err))
}

func TestParseSort(t *testing.T) {
	orders, err := parseSort([]string{"age", "username desc", "team.name ASC"})
	require.NoError(t, err)
	assert.Equal(t, []plan.Order{plan.Asc("age"), plan.Desc("username"), plan.Asc("team.name")}, orders)

	_, err = parseSort([]string{"age up"})
	require.Error(t, err)
	_, err = parseSort([]string{"age asc extra"})
	require.Error(t, err)
}

func TestSQL_Text(t *testing.T) {
	dir := writeEntities(t, memberCUE)

	out, err := execute(t, "sql", "Member", "findByUsername", "m1", "--entities", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "SELECT t0.member_id, t0.username, t0.age, t0.team_id FROM member t0 WHERE t0.username = ?")
	assert.Contains(t, out, "?1 = m1")
	assert.NotContains(t, out, "'m1'")
}

func TestSQL_PagedJSON(t *testing.T) {
	dir := writeEntities(t, memberCUE)

	out, err := execute(t, "sql", "Member", "findByTeamNameOrderByAgeDesc", "teamA",
		"--entities", dir, "--format", "json", "--page", "1", "--size", "2")
	require.NoError(t, err)

	var result SQLResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, result.Plan)
	assert.Contains(t, result.SQL, "LEFT JOIN team t1 ON t1.team_id = t0.team_id")
	assert.Contains(t, result.SQL, "ORDER BY t0.age DESC")
	assert.Contains(t, result.SQL, " LIMIT ? OFFSET ?")
	require.Len(t, result.Args, 3)
	assert.Equal(t, "teamA", result.Args[0])
	assert.EqualValues(t, 2, result.Args[1])
	assert.EqualValues(t, 2, result.Args[2])
}

func TestSQL_Count(t *testing.T) {
	dir := writeEntities(t, memberCUE)

	out, err := execute(t, "sql", "Member", "countByAgeGreaterThanEqual", "18", "--entities", dir, "--format", "json")
	require.NoError(t, err)

	var result SQLResult
	decodeResponse(t, out, &result)
	assert.Equal(t, "SELECT COUNT(*) FROM member t0 WHERE t0.age >= ?", result.SQL)
	assert.Equal(t, []any{float64(18)}, result.Args)
}
