package presets

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmsync/go-swarm/host"
)

func TestPresets(t *testing.T) {
	require.Equal(t, []string{"standalone", "testnet"}, Options())
	for _, name := range Options() {
		t.Run(name, func(t *testing.T) {
			conf, err := Get(name)
			require.NoError(t, err)
			if conf.Host.ID == "" {
				conf.Host.ID = "C"
			}
			require.NoError(t, conf.Validate())
		})
	}

	conf, err := Get("standalone")
	require.NoError(t, err)
	require.True(t, host.IsServerID(conf.Host.ID))

	conf, err = Get("testnet")
	require.NoError(t, err)
	require.Empty(t, conf.Host.ID)
	require.NotEmpty(t, conf.Network.Peers)

	_, err = Get("mainnet")
	require.ErrorContains(t, err, "not registered")
}
