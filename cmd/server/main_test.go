package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"serve"}, {"migrate"}, {"tenant", "create"}, {"tenant", "deactivate"}, {"admin", "create"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestTenantCreate_RejectsBadSubdomain(t *testing.T) {
	for _, sub := range []string{"acme.example", "-acme", "has space"} {
		root := newRootCmd()
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		root.SetArgs([]string{"tenant", "create", "--subdomain", sub})
		err := root.Execute()
		require.Error(t, err, sub)
		assert.Contains(t, err.Error(), "invalid subdomain")
	}
}

func TestAdminCreate_RequiresFlags(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"admin", "create", "--tenant", "acme"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestAdminCreate_ShortPassword(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"admin", "create", "--tenant", "acme", "--name", "alice", "--password", "short"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input")
}
