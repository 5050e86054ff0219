package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func resetReadOnly(t *testing.T) {
	t.Helper()
	readOnly = false
	viper.Set("readonly", false)
	require.NoError(t, rootCmd.PersistentFlags().Set("readonly", "false"))
}

func TestReadOnly_BlocksMutations(t *testing.T) {
	dir := t.TempDir()
	flow := filepath.Join(dir, "flow.yaml")
	require.NoError(t, os.WriteFile(flow, []byte(`name: ci
zone: linux
children:
  - name: build
    script: make
`), 0o600))
	zones := filepath.Join(dir, "zones.yaml")
	require.NoError(t, os.WriteFile(zones, []byte("zones:\n  - name: linux\n    provider: local\n"), 0o600))

	tests := []struct {
		name string
		args []string
	}{
		{name: "zone create", args: []string{"zone", "create", "linux"}},
		{name: "zone apply", args: []string{"zone", "apply", "-f", zones}},
		{name: "agent report", args: []string{"agent", "report", "linux", "a1", "IDLE"}},
		{name: "cmd send", args: []string{"cmd", "send", "linux", "--script", "exit 0"}},
		{name: "cmd cancel", args: []string{"cmd", "cancel", "c1"}},
		{name: "cmd report", args: []string{"cmd", "report", "c1", "SUCCESS"}},
		{name: "job run", args: []string{"job", "run", "-f", flow}},
		{name: "job cancel", args: []string{"job", "cancel", "j1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetReadOnly(t)

			rootCmd.SetArgs(append([]string{"--readonly", "--server", "http://127.0.0.1:1"}, tt.args...))
			rootCmd.SetContext(context.Background())

			err := rootCmd.Execute()
			rootCmd.SetArgs(nil)
			resetReadOnly(t)

			require.Error(t, err)
			require.Contains(t, err.Error(), "readonly")
		})
	}
}
