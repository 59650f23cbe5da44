package daemoncli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wulf7/utouch/internal/emulator"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(t.TempDir())
	out := &bytes.Buffer{}
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeDescriptor(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "descriptor.bin")
	require.NoError(t, os.WriteFile(path, emulator.DefaultDescriptor, 0o644))
	return path
}

func TestProbeFile(t *testing.T) {
	out, err := runCommand(t, "probe", "--file", writeDescriptor(t))
	require.NoError(t, err)
	assert.Contains(t, out, "pointer: true")
	assert.Contains(t, out, "axes: XY")
	assert.Contains(t, out, "buttons: 2")
	assert.Contains(t, out, "resolution 15/mm")
}

func TestProbeFileJSON(t *testing.T) {
	out, err := runCommand(t, "probe", "--json", "--file", writeDescriptor(t))
	require.NoError(t, err)

	var report probeReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Pointer)
	assert.Equal(t, "XY", report.Axes)
	assert.Equal(t, 2, report.Buttons)
	assert.False(t, report.ReportIDs)
	require.NotNil(t, report.X)
	assert.EqualValues(t, 8, report.X.BitOffset)
	assert.EqualValues(t, 16, report.X.BitSize)
	assert.EqualValues(t, 4095, report.X.Max)
	require.NotNil(t, report.Y)
	assert.EqualValues(t, 24, report.Y.BitOffset)
	assert.Nil(t, report.Wheel)
}

func TestProbeMissingFile(t *testing.T) {
	_, err := runCommand(t, "probe", "--file", filepath.Join(t.TempDir(), "nope.bin"))
	require.Error(t, err)
}

func TestDecodeFile(t *testing.T) {
	out, err := runCommand(t, "decode", "--file", writeDescriptor(t), "0100040004")
	require.NoError(t, err)
	assert.Equal(t, "0100040004: abs x 1024, abs y 1024, btn 0 down, btn 1 up, sync\n", out)
}

func TestDecodeFileMultiple(t *testing.T) {
	out, err := runCommand(t, "decode", "--file", writeDescriptor(t), "0100040004", "0000080008")
	require.NoError(t, err)
	assert.Equal(t,
		"0100040004: abs x 1024, abs y 1024, btn 0 down, btn 1 up, sync\n"+
			"0000080008: abs x 2048, abs y 2048, btn 0 up, btn 1 up, sync\n",
		out)
}

func TestDecodeInvalidHex(t *testing.T) {
	_, err := runCommand(t, "decode", "--file", writeDescriptor(t), "zz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid report")
}

func TestDecodeNoArgs(t *testing.T) {
	_, err := runCommand(t, "decode")
	require.Error(t, err)
}

func TestParseReportLines(t *testing.T) {
	in := strings.NewReader("# tap sequence\n0100040004\n\n  0000080008  \n")
	reports, err := parseReportLines(in)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, []byte{0x01, 0x00, 0x04, 0x00, 0x04}, reports[0])
	assert.Equal(t, []byte{0x00, 0x00, 0x08, 0x00, 0x08}, reports[1])
}

func TestParseReportLinesInvalid(t *testing.T) {
	_, err := parseReportLines(strings.NewReader("zz\n"))
	require.Error(t, err)
}

func TestLoadReports(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		reports, err := loadReports(strings.NewReader(""), "", nil)
		require.NoError(t, err)
		assert.Equal(t, emulator.DemoReports, reports)
	})
	t.Run("flags", func(t *testing.T) {
		reports, err := loadReports(strings.NewReader(""), "", []string{"0102"})
		require.NoError(t, err)
		require.Len(t, reports, 1)
		assert.Equal(t, []byte{0x01, 0x02}, reports[0])
	})
	t.Run("stdin", func(t *testing.T) {
		reports, err := loadReports(strings.NewReader("0102\n0304\n"), "-", nil)
		require.NoError(t, err)
		require.Len(t, reports, 2)
	})
	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reports.txt")
		require.NoError(t, os.WriteFile(path, []byte("0102\n"), 0o644))
		reports, err := loadReports(strings.NewReader(""), path, nil)
		require.NoError(t, err)
		require.Len(t, reports, 1)
	})
}
