package collector

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kingpin/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/umiacs/nexus-status/pkg/cluster"
)

const mockCollectorAppName = "mock_nexus_collector"

func newMockCollector() *NexusCollector {
	return &NexusCollector{
		appName: mockCollectorAppName,
		App:     *kingpin.New(mockCollectorAppName, "Mock Nexus collector."),
		stdout:  &bytes.Buffer{},
	}
}

func TestCollectorMainOutputFile(t *testing.T) {
	binDir, err := filepath.Abs("testdata/bin")
	require.NoError(t, err)

	outputFile := filepath.Join(t.TempDir(), "cluster.json")

	os.Args = []string{
		os.Args[0],
		"--slurm.bin-dir", binDir,
		"--user", "bob",
		"--output", outputFile,
		"--pretty",
	}

	require.NoError(t, newMockCollector().Main())

	content, err := os.ReadFile(outputFile)
	require.NoError(t, err)

	var status cluster.RawClusterStatus
	require.NoError(t, json.Unmarshal(content, &status))

	assert.Len(t, status.Nodes, 3)
	require.Len(t, status.Partitions, 2)
	assert.Equal(t, "bob", status.Partitions[0].Partition.CurrentUser)
	assert.Contains(t, string(content), "\n  \"nodes\"")

	// No temporary files are left behind
	entries, err := os.ReadDir(filepath.Dir(outputFile))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCollectorMainStdout(t *testing.T) {
	binDir, err := filepath.Abs("testdata/bin")
	require.NoError(t, err)

	os.Args = []string{os.Args[0], "--slurm.bin-dir", binDir}

	c := newMockCollector()
	require.NoError(t, c.Main())

	var status cluster.RawClusterStatus
	require.NoError(t, json.Unmarshal(c.stdout.(*bytes.Buffer).Bytes(), &status))
	assert.Equal(t, []string{"gpu", "cpu"}, []string{status.Partitions[0].Name, status.Partitions[1].Name})
	assert.NotEmpty(t, status.Partitions[0].Partition.CurrentUser)
}

func TestCollectorMainFail(t *testing.T) {
	os.Args = []string{os.Args[0], "--slurm.bin-dir", filepath.Join(t.TempDir(), "missing")}

	require.Error(t, newMockCollector().Main())
}
