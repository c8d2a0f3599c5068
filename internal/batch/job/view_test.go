package job

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestView_StripsConnectionParameters(t *testing.T) {
	j := simpleJob(t)
	j.FailedReason = "boom"

	data, err := json.Marshal(j.ToView())
	require.NoError(t, err)

	serialized := string(data)
	for _, secret := range []string{"db-1", "5432", "alice_db", "secret"} {
		assert.NotContains(t, serialized, secret)
	}

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{"host", "port", "dbname", "dbuser", "pass"} {
		assert.NotContains(t, fields, key)
	}
	assert.Equal(t, j.ID, fields["job_id"])
	assert.Equal(t, "alice", fields["user"])
	assert.Equal(t, "pending", fields["status"])
	assert.Equal(t, "SELECT 1", fields["query"])
	assert.Equal(t, "boom", fields["failed_reason"])
}

func TestView_FallbackNodeAnalysisID(t *testing.T) {
	j := fallbackJob(t, `[{"id": "a5f1:n1:buffer", "query": "SELECT 1", "onsuccess": "SELECT 2"}]`)

	var view fallbackView
	require.NoError(t, json.Unmarshal(j.queryView(), &view))
	require.Len(t, view.Query, 1)
	node := view.Query[0]
	assert.Equal(t, "a5f1:n1:buffer", node.ID)
	assert.Equal(t, "a5f1", node.AnalysisID)
	assert.Equal(t, "n1", node.NodeID)
	assert.Equal(t, "buffer", node.NodeType)
}

func TestView_ElapsedSeconds(t *testing.T) {
	elapsed := elapsedSeconds("2026-08-28T10:00:00Z", "2026-08-28T10:00:42Z")
	require.NotNil(t, elapsed)
	assert.Equal(t, 42.0, *elapsed)

	assert.Nil(t, elapsedSeconds("", "2026-08-28T10:00:42Z"))
	assert.Nil(t, elapsedSeconds("2026-08-28T10:00:00Z", ""))
	assert.Nil(t, elapsedSeconds("not a timestamp", "2026-08-28T10:00:42Z"))
}

func TestView_NodeElapsedAppearsOnceFinished(t *testing.T) {
	j := fallbackJob(t, `[{"query": "SELECT 1", "onerror": "SELECT 2"}]`)
	require.NoError(t, j.SetStatus(StatusRunning, ""))
	require.NoError(t, j.SetStatus(StatusDone, ""))

	var view fallbackView
	require.NoError(t, json.Unmarshal(j.queryView(), &view))
	require.Len(t, view.Query, 1)
	require.NotNil(t, view.Query[0].Elapsed)
	assert.GreaterOrEqual(t, *view.Query[0].Elapsed, 0.0)
}
