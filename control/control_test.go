package control_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-bridge/control"
)

func TestConfigStoreReloadRunsAfterMerge(t *testing.T) {
	cs := control.NewConfigStore()
	var seen any
	cs.OnReload(func() { seen, _ = cs.Get("listen") })
	cs.SetConfig(map[string]any{"listen": ":7000"})
	require.Equal(t, ":7000", seen)

	snap := cs.GetSnapshot()
	snap["listen"] = "mutated"
	v, _ := cs.Get("listen")
	require.Equal(t, ":7000", v)
}

func TestLoadYAMLKeepsDefaults(t *testing.T) {
	type cfg struct {
		Listen  string        `yaml:"listen"`
		Workers int           `yaml:"workers"`
		Timeout time.Duration `yaml:"timeout"`
	}
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 8\ntimeout: 250ms\n"), 0o600))

	c := cfg{Listen: ":9000", Workers: 1}
	require.NoError(t, control.LoadYAML(path, &c))
	require.Equal(t, ":9000", c.Listen)
	require.Equal(t, 8, c.Workers)
	require.Equal(t, 250*time.Millisecond, c.Timeout)

	require.Error(t, control.LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"), &c))
	require.NoError(t, os.WriteFile(path, []byte("workers: [oops\n"), 0o600))
	require.Error(t, control.LoadYAML(path, &c))
}

func TestMetricsSources(t *testing.T) {
	mr := control.NewMetricsRegistry()
	mr.Set("static", 1)
	require.False(t, mr.Updated().IsZero())

	n := 0
	mr.Source("transport", func() map[string]any {
		n++
		return map[string]any{"bytes_in": n}
	})
	require.Equal(t, 1, mr.GetSnapshot()["transport.bytes_in"])
	require.Equal(t, 2, mr.GetSnapshot()["transport.bytes_in"])
	require.Equal(t, 1, mr.GetSnapshot()["static"])
}

func TestDebugProbePanicIsReported(t *testing.T) {
	dp := control.NewDebugProbes()
	dp.RegisterProbe("ok", func() any { return "fine" })
	dp.RegisterProbe("bad", func() any { panic("broken") })
	control.RegisterPlatformProbes(dp)

	state := dp.DumpState()
	require.Equal(t, "fine", state["ok"])
	require.Contains(t, state["bad"], "broken")
	require.Contains(t, state, "platform.cpus")
}
