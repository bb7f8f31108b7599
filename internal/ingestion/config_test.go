package ingestion

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mr-Dark-debug/calltrace/internal/calltrace"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calltrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	conf := DefaultConfig()
	require.NoError(t, conf.Validate())
	require.Equal(t, "127.0.0.1:9123", conf.ReportAddr)

	opts, err := conf.BuildOptions()
	require.NoError(t, err)
	require.Equal(t, time.Microsecond, opts.Unit)
	require.False(t, opts.Placeholders)
}

func nestedReport(levels int) []byte {
	const open = `{"callee":"f","call_ts":0,"subroutines":[`
	return []byte(strings.Repeat(open, levels-1) + `{"callee":"f","call_ts":0}` + strings.Repeat("]}", levels-1))
}

func TestDefaultMaxDepthIsReachable(t *testing.T) {
	conf := DefaultConfig()
	opts, err := conf.BuildOptions()
	require.NoError(t, err)

	_, err = Snapshot(nestedReport(conf.MaxDepth), "deep", opts)
	require.NoError(t, err)

	_, err = Snapshot(nestedReport(conf.MaxDepth+1), "deep", opts)
	var merr *calltrace.MalformedTraceError
	require.ErrorAs(t, err, &merr)
	require.NotEqual(t, calltrace.RootPath, merr.Path)
	require.Contains(t, merr.Reason, "nesting deeper than")
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
report_addr: "0.0.0.0:9999"
db_path: /var/lib/calltrace/traces.db
flush_interval: 2s
timestamp_unit: ms
max_depth: 64
`)

	conf, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", conf.ReportAddr)
	require.Equal(t, "/var/lib/calltrace/traces.db", conf.DBPath)
	require.Equal(t, 2*time.Second, conf.FlushInterval)
	require.Equal(t, 64, conf.MaxDepth)

	defaults := DefaultConfig()
	require.Equal(t, defaults.BatchSize, conf.BatchSize)
	require.Equal(t, defaults.MetricsAddr, conf.MetricsAddr)

	opts, err := conf.BuildOptions()
	require.NoError(t, err)
	require.Equal(t, time.Millisecond, opts.Unit)
	require.Equal(t, 64, opts.MaxDepth)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "report_adr: 127.0.0.1:1\n"))
	require.Error(t, err)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	for name, body := range map[string]string{
		"unit":     "timestamp_unit: fortnights\n",
		"batch":    "batch_size: 0\n",
		"depth":    "max_depth: -1\n",
		"interval": "flush_interval: 0s\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
