package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildRequestOmitsJSONRPCField(t *testing.T) {
	frame, err := BuildRequest(
		"server.version", []interface{}{"testapp", "1.4.1"},
		"versionNegotiation",
	)
	require.NoError(t, err)
	require.NotContains(t, frame, "jsonrpc")
	require.Contains(t, frame, `"method":"server.version"`)
	require.Contains(t, frame, `"id":"versionNegotiation"`)
}

func TestVersionRegex(t *testing.T) {
	valid := []string{"1.4", "1.4.1", "0.10", "10.0.0.1"}
	for _, v := range valid {
		require.True(t, VersionRegex.MatchString(v), v)
	}

	invalid := []string{"", "1", "v1.4", "1.4a", "1."}
	for _, v := range invalid {
		require.False(t, VersionRegex.MatchString(v), v)
	}
}

func TestParseStatementsSingleObject(t *testing.T) {
	stmts, err := ParseStatements([]byte(`{"id":1,"result":"a"}`))
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	require.Equal(t, float64(1), stmts[0].ID)
	require.Equal(t, `"a"`, string(stmts[0].Result))
}

func TestParseStatementsBatch(t *testing.T) {
	stmts, err := ParseStatements(
		[]byte(`[{"id":1,"result":"a"},{"id":2,"result":"b"}]`),
	)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	require.Equal(t, `"a"`, string(stmts[0].Result))
	require.Equal(t, `"b"`, string(stmts[1].Result))
}

func TestParseStatementsNotification(t *testing.T) {
	stmts, err := ParseStatements([]byte(
		`{"method":"blockchain.headers.subscribe","params":[{"height":1}]}`,
	))
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	require.True(t, stmts[0].IsNotification())
}

func TestStatementIsKeepAlive(t *testing.T) {
	stmts, err := ParseStatements([]byte(`{"id":"keepAlive","result":null}`))
	require.NoError(t, err)
	require.True(t, stmts[0].IsKeepAlive())
}

func TestStatementErrorRoundTrip(t *testing.T) {
	stmts, err := ParseStatements([]byte(
		`{"id":5,"error":{"message":"boom","code":-1}}`,
	))
	require.NoError(t, err)
	require.Equal(t, "boom", stmts[0].Error.Message)

	out, err := stmts[0].Error.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(out), `"code":-1`)
}

func TestParseStatementsEmpty(t *testing.T) {
	stmts, err := ParseStatements(nil)
	require.NoError(t, err)
	require.Nil(t, stmts)
}
