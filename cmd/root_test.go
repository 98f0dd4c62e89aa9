package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{
		"migrate", "serve", "resolve", "import", "merge", "get", "list",
		"conflicts", "audit", "cost", "resolve-conflict", "rename", "config",
	}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "fusion-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestResolveCommand_Flags(t *testing.T) {
	for _, name := range []string{"source", "external-id", "name", "category", "unit", "cost", "submitted-by"} {
		require.NotNil(t, resolveCmd.Flags().Lookup(name), "resolve should have --%s", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestListCommand_Defaults(t *testing.T) {
	assert.Equal(t, "1", listCmd.Flags().Lookup("page").DefValue)
	assert.Equal(t, "50", listCmd.Flags().Lookup("page-size").DefValue)
	assert.Equal(t, "100", auditCmd.Flags().Lookup("limit").DefValue)
}

func TestMergeCommand_Args(t *testing.T) {
	assert.Error(t, mergeCmd.Args(mergeCmd, []string{"ING-VEG-000001"}))
	assert.NoError(t, mergeCmd.Args(mergeCmd, []string{"ING-VEG-000001", "ING-VEG-000002"}))
	require.NotNil(t, mergeCmd.Flags().Lookup("operator"))
}

func TestImportCommand_Flags(t *testing.T) {
	assert.Error(t, importCmd.Args(importCmd, nil))
	for _, name := range []string{"source", "submitted-by", "sheet"} {
		require.NotNil(t, importCmd.Flags().Lookup(name), "import should have --%s", name)
	}
}

func TestConfigCommand_HasExample(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range configCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["example"])
}
