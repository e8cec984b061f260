package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"run"},
		{"project", "create"},
		{"sandbox", "check"},
		{"sandbox", "restart"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestRunRequiresProject(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"run", "build a todo app"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project")
}
