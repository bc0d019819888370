package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	return out.String(), err
}

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2024-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := exitError(foundry.ExitFileReadError, "Failed to read", cause)

	assert.Equal(t, fmt.Sprintf("Failed to read: boom (exit code %d)", foundry.ExitFileReadError), err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, foundry.ExitFileReadError, ExitCode(err))
	assert.Equal(t, foundry.ExitFileReadError, ExitCode(fmt.Errorf("wrapped: %w", err)))

	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(cause))
	assert.EqualError(t, exitError(2, "no cause", nil), "no cause: no cause (exit code 2)")
}

func TestVersionCommand(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()
	SetVersionInfo("1.4.0", "abc123", "2026-01-02")

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "gotuner 1.4.0")
	assert.Contains(t, out, "commit: abc123")

	out, err = execute(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": "1.4.0"`)
	assert.Contains(t, out, `"build_date": "2026-01-02"`)
	versionJSON = false
}
