package config

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbright/oslctl/internal/notify"
)

func TestNormalizeJSONCRemovesCommentsAndTrailingCommas(t *testing.T) {
	input := `
{
  // line comment
  "items": [
    "one", /* block comment */
    "two",
  ],
  "nested": {
    "enabled": true,
  },
}
`

	normalized, err := normalizeJSONC(input)
	require.NoError(t, err)
	require.NotContains(t, normalized, "//")
	require.NotContains(t, normalized, "/*")
	require.NotContains(t, normalized, ",]")
	require.NotContains(t, normalized, ",}")
}

func TestNormalizeJSONCRetainsCommentLikeTextInsideStrings(t *testing.T) {
	input := `{"value":"contains // and /* comment-like */ text",}`
	normalized, err := normalizeJSONC(input)
	require.NoError(t, err)
	require.Contains(t, normalized, "// and /* comment-like */")
}

func TestNormalizeJSONCUnterminatedBlockCommentFails(t *testing.T) {
	_, err := normalizeJSONC("{ /* unterminated ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unterminated block comment")
}

func TestEnsureSingleJSONValueRejectsExtraPayload(t *testing.T) {
	decoder := json.NewDecoder(strings.NewReader(`{"one":1}{"two":2}`))
	var payload map[string]any
	require.NoError(t, decoder.Decode(&payload))

	err := ensureSingleJSONValue(decoder)
	require.Error(t, err)
	require.Contains(t, err.Error(), "multiple JSON values")
}

func TestOffsetToLineCol(t *testing.T) {
	content := "line1\nline2\nline3"
	line, col := offsetToLineCol(content, 1)
	require.Equal(t, 1, line)
	require.Equal(t, 1, col)

	line, col = offsetToLineCol(content, 8) // line2, col2
	require.Equal(t, 2, line)
	require.Equal(t, 2, col)

	line, col = offsetToLineCol(content, 999)
	require.Equal(t, 3, line)
	require.Equal(t, 5, col)
}

func TestStringListUnmarshalJSON(t *testing.T) {
	var list stringList
	require.NoError(t, list.UnmarshalJSON([]byte(`["a","b"]`)))
	require.Equal(t, []string{"a", "b"}, []string(list))

	require.NoError(t, list.UnmarshalJSON([]byte(`"a, b, , c"`)))
	require.Equal(t, []string{"a", "b", "c"}, []string(list))

	err := list.UnmarshalJSON([]byte(`123`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "expected string array")
}

func TestParseJSONCOverridesDefaults(t *testing.T) {
	cfg, warnings, err := Parse(`{
  // launch settings
  "engine": {
    "executable": " /opt/ansys/optislang ",
    "project": "/work/model.opf",
    "batch": false,
    "port_range": [5310, 5320],
    "password": "secret",
    "no_run": true,
    "extra_args": "--python \"/work/my script.py\"",
    "env": {"ANSYSLMD_LICENSE_FILE": "1055@lic"},
    "startup_timeout_ms": 90000,
  },
  "server": {"request_timeout_ms": 5000, "max_request_attempts": 3},
  "listener": {
    "host": "127.0.0.1",
    "port_range": [50000, 50100],
    "timeout_ms": 30000,
    "refresh_ms": 10000,
    "notifications": "server_up, EXECUTION_FINISHED",
  },
}`, Default())
	require.NoError(t, err)
	require.Empty(t, warnings)

	require.Equal(t, "/opt/ansys/optislang", cfg.Engine.Executable)
	require.Equal(t, "/work/model.opf", cfg.Engine.Project)
	require.False(t, cfg.Engine.Batch)
	require.Equal(t, [2]int{5310, 5320}, cfg.Engine.PortRange)
	require.Equal(t, "secret", cfg.Engine.Password)
	require.True(t, cfg.Engine.NoRun)
	require.Equal(t, []string{"--python", "/work/my script.py"}, cfg.Engine.ExtraArgs.Argv)
	require.Equal(t, map[string]string{"ANSYSLMD_LICENSE_FILE": "1055@lic"}, cfg.Engine.Env)
	require.Equal(t, 90000, cfg.Engine.StartupTimeoutMS)
	require.Equal(t, 3000, cfg.Engine.TerminationGraceMS)

	require.Equal(t, 5000, cfg.Server.RequestTimeoutMS)
	require.Equal(t, 3, cfg.Server.MaxRequestAttempts)
	require.False(t, cfg.Server.Attach())

	require.Equal(t, [2]int{50000, 50100}, cfg.Listener.PortRange)
	require.Equal(t, 10000, cfg.Listener.RefreshMS)
	require.Equal(t, []string{notify.ServerUp, notify.ExecutionFinished}, cfg.Listener.Notifications)
}

func TestParseDoesNotMutateBase(t *testing.T) {
	base := Default()
	base.Engine.Env = map[string]string{"A": "1"}

	_, _, err := Parse(`{"engine": {"env": {"B": "2"}}}`, base)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"A": "1"}, base.Engine.Env)
}

func TestParseJSONCRejectsInvalidFields(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "unknown field", input: `{"engine": {"gui": true}}`, wantErr: "unknown field"},
		{name: "extra args", input: `{"engine": {"extra_args": "unterminated ' quote"}}`, wantErr: "invalid engine.extra_args"},
		{name: "short port range", input: `{"listener": {"port_range": [1]}}`, wantErr: "exactly two entries"},
		{name: "env name", input: `{"engine": {"env": {"A=B": "x"}}}`, wantErr: "engine.env"},
		{name: "unknown notification", input: `{"listener": {"notifications": ["BOGUS"]}}`, wantErr: "unknown notification"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Parse(tc.input, Default())
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParseJSONCRejectsMultipleTopLevelValues(t *testing.T) {
	_, _, err := Parse(`{"engine":{"batch":false}}{"engine":{"batch":true}}`, Default())
	require.Error(t, err)
	require.True(
		t,
		strings.Contains(err.Error(), "multiple JSON values") || strings.Contains(err.Error(), "unknown field"),
		"unexpected error: %v",
		err,
	)
}

func TestParseJSONCTypeErrorIncludesLocation(t *testing.T) {
	_, _, err := Parse(`{
  "server": {"port": "5310"}
}`, Default())
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 2")
	require.Contains(t, err.Error(), "column")
}

func TestParseEmptyNotificationsWarns(t *testing.T) {
	cfg, warnings, err := Parse(`{"listener": {"notifications": []}}`, Default())
	require.NoError(t, err)
	require.Empty(t, cfg.Listener.Notifications)
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0].Message, "notifications is empty")
}
