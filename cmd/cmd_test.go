// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/tabrelay/internal/config"
)

// resetViper isolates tests that drive the package-global viper instance.
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	originalCfgFile := cfgFile
	t.Cleanup(func() {
		viper.Reset()
		cfgFile = originalCfgFile
	})
}

// createTempConfig helper
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp(t.TempDir(), "test-config-*.yaml")
	require.NoError(t, err)
	_, err = tmpfile.Write([]byte(content))
	require.NoError(t, err)
	tmpfile.Close()
	return tmpfile.Name()
}

func TestInitializeConfig_Defaults(t *testing.T) {
	resetViper(t)
	cfgFile = ""

	require.NoError(t, initializeConfig())

	var cfg config.Config
	require.NoError(t, viper.Unmarshal(&cfg))
	assert.Equal(t, "127.0.0.1:8765", cfg.Server().ListenAddr)
	assert.Equal(t, 1000, cfg.Store().MaxLogs)
}

func TestInitializeConfig_FileOverride(t *testing.T) {
	resetViper(t)
	cfgFile = createTempConfig(t, `
server:
  listen_addr: "0.0.0.0:9100"
relay:
  agent_url: "ws://localhost:9222/relay"
`)

	require.NoError(t, initializeConfig())

	var cfg config.Config
	require.NoError(t, viper.Unmarshal(&cfg))
	assert.Equal(t, "0.0.0.0:9100", cfg.Server().ListenAddr)
	assert.Equal(t, "ws://localhost:9222/relay", cfg.Relay().AgentURL)
	// Values absent from the file keep their defaults.
	assert.Equal(t, 500, cfg.Store().MaxEvents)
}

func TestInitializeConfig_EnvOverride(t *testing.T) {
	resetViper(t)
	cfgFile = createTempConfig(t, `
server:
  listen_addr: "0.0.0.0:9100"
`)
	t.Setenv("TABRELAY_SERVER_LISTEN_ADDR", "127.0.0.1:7000")

	require.NoError(t, initializeConfig())

	var cfg config.Config
	require.NoError(t, viper.Unmarshal(&cfg))
	// The env var overrides the value from the config file.
	assert.Equal(t, "127.0.0.1:7000", cfg.Server().ListenAddr)
}

func TestInitializeConfig_MalformedFile(t *testing.T) {
	resetViper(t)
	cfgFile = createTempConfig(t, "server: [not: valid: yaml")

	err := initializeConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestVersionFlag(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"--version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, Version+"\n", buf.String())
}
