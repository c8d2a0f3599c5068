package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querybatch/querybatch/internal/batch/job"
)

func TestResolveDefaults(t *testing.T) {
	resolver := NewStaticResolver(job.ConnectionParams{Host: "db-default"}, nil)

	params, err := resolver.Resolve("alice")
	require.NoError(t, err)
	assert.Equal(t, "db-default", params.Host)
	assert.Equal(t, "5432", params.Port)
	assert.Equal(t, "alice", params.DBUser)
	assert.Equal(t, "alice", params.DBName)
}

func TestResolvePerUserOverride(t *testing.T) {
	resolver := NewStaticResolver(
		job.ConnectionParams{Host: "db-default"},
		map[string]job.ConnectionParams{
			"bob": {Host: "db-dedicated", Port: "6432", DBName: "bob_production", DBUser: "bob_ro", Pass: "secret"},
		},
	)

	params, err := resolver.Resolve("bob")
	require.NoError(t, err)
	assert.Equal(t, "db-dedicated", params.Host)
	assert.Equal(t, "6432", params.Port)
	assert.Equal(t, "bob_production", params.DBName)
	assert.Equal(t, "bob_ro", params.DBUser)

	// Other users keep the defaults.
	params, err = resolver.Resolve("alice")
	require.NoError(t, err)
	assert.Equal(t, "db-default", params.Host)
}

func TestResolveWithoutHostFails(t *testing.T) {
	resolver := NewStaticResolver(job.ConnectionParams{}, nil)
	_, err := resolver.Resolve("alice")
	assert.Error(t, err)
}
