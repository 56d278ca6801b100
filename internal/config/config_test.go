package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithNoFile(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 64, c.Period())
	require.Equal(t, 3, c.NumBuffers())
	require.Equal(t, float64(0), c.RecvDLLBandwidth())
	require.Equal(t, float64(0), c.XmitDLLBandwidth())
	require.Equal(t, int32(2), c.XmitMaxCyclesEarly())
	require.Equal(t, int32(1), c.XmitMinCyclesBeforePresentation())
	require.Equal(t, int32(11), c.XmitTransferDelayCycles())
}

func TestLoadMissingFilePathFallsBackToDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	require.Equal(t, 64, c.Period())
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.toml")
	body := `
[streaming.common]
period = 128
nb_buffers = 4
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 128, c.Period())
	require.Equal(t, 4, c.NumBuffers())
	// Keys the file didn't touch keep their compiled-in default.
	require.Equal(t, int32(2), c.XmitMaxCyclesEarly())
}

func TestOverrideTakesPrecedenceOverDefault(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	c.OverrideInt(KeyPeriod, 256)
	require.Equal(t, 256, c.Period())

	c.OverrideFloat(KeyRecvDLLBandwidth, 12.5)
	require.Equal(t, 12.5, c.RecvDLLBandwidth())

	c.OverrideBool("streaming.amdtp.motu828_mk1_quirk", true)
	require.True(t, c.Bool("streaming.amdtp.motu828_mk1_quirk"))
}
