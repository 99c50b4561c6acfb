package clients

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tazhate/calsync/config"
	"github.com/tazhate/calsync/internal/clients/caldav"
	"github.com/tazhate/calsync/internal/clients/gcal"
)

func TestNewGateway(t *testing.T) {
	gw, err := NewGateway(config.ProviderConfig{Kind: config.ProviderGoogle})
	require.NoError(t, err)
	assert.IsType(t, &gcal.Client{}, gw)

	gw, err = NewGateway(config.ProviderConfig{Kind: config.ProviderCalDAV})
	require.NoError(t, err)
	assert.IsType(t, &caldav.Client{}, gw)

	_, err = NewGateway(config.ProviderConfig{Kind: "exchange"})
	assert.Error(t, err)
}
