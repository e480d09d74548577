package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/iti/dumbbell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	report := filepath.Join(dir, "report.json")

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"run", "--trace=false", "--pcap=false", "--stop", "0.5", "--queue", "20",
		"--report", report})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Mb/s")

	_, err := os.Stat(report)
	assert.NoError(t, err)
}

func TestDefaultsCommand(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "bulk.yaml")
	rootCmd.SetArgs([]string{"defaults", filename})
	require.NoError(t, rootCmd.Execute())

	cfg, err := dumbbell.ReadExpCfg(filename, true, nil)
	require.NoError(t, err)
	assert.Equal(t, dumbbell.DefaultExpCfg(), cfg)
}
