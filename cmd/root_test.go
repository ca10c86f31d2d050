package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	// Verify expected subcommands are registered.
	expected := []string{"run", "batch", "serve", "export", "import"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "solar-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"lat", "lon"} {
		require.NotNil(t, runCmd.Flags().Lookup(name), "run command should have --%s flag", name)
	}
	assert.Equal(t, "999", runCmd.Flags().Lookup("sample-id").DefValue)
	assert.Equal(t, "test_output", runCmd.Flags().Lookup("output").DefValue)
}

func TestBatchCommand_Flags(t *testing.T) {
	for _, name := range []string{"input", "output", "limit", "concurrency", "geojson"} {
		assert.NotNil(t, batchCmd.Flags().Lookup(name), "batch command should have --%s flag", name)
	}
	assert.Equal(t, "0", batchCmd.Flags().Lookup("limit").DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestExportCommand_Flags(t *testing.T) {
	assert.Equal(t, "geojson", exportCmd.Flags().Lookup("format").DefValue)
	assert.NotNil(t, exportCmd.Flags().Lookup("out"))
	assert.NotNil(t, exportCmd.Flags().Lookup("batch"))
}

func TestImportCommand_Args(t *testing.T) {
	assert.Error(t, importCmd.Args(importCmd, nil))
	assert.NoError(t, importCmd.Args(importCmd, []string{"predictions.json"}))
}
