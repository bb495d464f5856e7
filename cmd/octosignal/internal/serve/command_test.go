package serve

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServeCommand(t *testing.T) {
	cmd := NewServeCommand()
	require.NotNil(t, cmd)

	assert.Equal(t, "serve", cmd.Use)
	assert.Equal(t, []string{"s"}, cmd.Aliases)
	assert.Nil(t, cmd.Run)
	assert.NotNil(t, cmd.RunE)
	assert.False(t, cmd.HasSubCommands())

	assert.NotNil(t, cmd.Flags().Lookup("debug"))
	f := cmd.Flags().Lookup("log-format")
	require.NotNil(t, f)
	assert.Equal(t, "text", f.DefValue)
}

func TestServeRejectsInvalidSettings(t *testing.T) {
	path := t.TempDir() + "/config.json"
	require.NoError(t, writeFile(path, `{"groupMode":"sometimes"}`))
	assert.Error(t, serveCmd(t.Context(), path, "text", false))
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
