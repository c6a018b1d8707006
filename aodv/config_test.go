package aodv

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigDerivedTimers(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 2800*time.Millisecond, c.NetTraversalTime)
	assert.Equal(t, 5600*time.Millisecond, c.PathDiscoveryTime)
	assert.Equal(t, 11200*time.Millisecond, c.MyRouteTimeout)
	assert.Equal(t, 5600*time.Millisecond, c.BlackListTimeout)
	assert.Equal(t, 15*time.Second, c.DeletePeriod)
	assert.Equal(t, 50*time.Millisecond, c.NextHopWait)
	assert.Equal(t, 2*time.Second, c.HelloLifetime())
	assert.True(t, c.EnableHello)
	assert.Equal(t, 2, c.RreqRetries)
	assert.Equal(t, 0.20, c.CriticalEnergy)
	require.NoError(t, c.Validate())
}

func TestApplyDefaultsDerivesFromBaseValues(t *testing.T) {
	c := Config{NodeTraversalTime: 10 * time.Millisecond, RreqRetries: 2}.ApplyDefaults()
	assert.Equal(t, 700*time.Millisecond, c.NetTraversalTime)
	assert.Equal(t, 1400*time.Millisecond, c.PathDiscoveryTime)
	assert.Equal(t, 6*time.Second, c.MyRouteTimeout)
	assert.Equal(t, 20*time.Millisecond, c.NextHopWait)
	assert.Equal(t, 1400*time.Millisecond, c.BlackListTimeout)

	c = Config{MyRouteTimeout: time.Minute}.ApplyDefaults()
	assert.Equal(t, time.Minute, c.MyRouteTimeout, "explicit values are kept")

	// Zero retries and zero critical energy are settings, not gaps.
	assert.Zero(t, c.RreqRetries)
	assert.Zero(t, c.CriticalEnergy)
	assert.Zero(t, c.BlackListTimeout)
	require.NoError(t, c.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	c := DefaultConfig()
	c.NetDiameter = 300
	c.CriticalEnergy = 1.5
	c.CollectionWindow = 0
	c.RerrRateLimit = 0

	err := c.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "net_diameter")
	assert.ErrorContains(t, err, "critical_energy")
	assert.ErrorContains(t, err, "collection_window")
	assert.ErrorContains(t, err, "rate limits")
}

func TestLoadConfigFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aodv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hello_interval: 2s
enable_fuzzy: false
net_diameter: 20
`), 0o600))
	t.Setenv("AODV_RREQ_RETRIES", "4")

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, c.HelloInterval)
	assert.False(t, c.EnableFuzzy)
	assert.True(t, c.GratuitousReply, "unset keys keep their defaults")
	assert.Equal(t, 20, c.NetDiameter)
	assert.Equal(t, 4, c.RreqRetries)
	assert.Equal(t, 1600*time.Millisecond, c.NetTraversalTime)
	assert.Equal(t, 6400*time.Millisecond, c.BlackListTimeout)
	assert.Equal(t, 4*time.Second, c.HelloLifetime())
}

func TestLoadConfigKeepsExplicitZeros(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aodv.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rreq_retries: 0\ncritical_energy: 0\nenable_hello: false\n"), 0o600))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Zero(t, c.RreqRetries)
	assert.Zero(t, c.CriticalEnergy)
	assert.False(t, c.EnableHello)
	assert.Equal(t, 2800*time.Millisecond, c.NetTraversalTime)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("net_diameter: 0\nttl_start: 9\n"), 0o600))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "invalid config")
}
