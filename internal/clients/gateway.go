// Package clients picks the remote gateway implementation for a provider.
package clients

import (
	"fmt"

	"github.com/tazhate/calsync/config"
	"github.com/tazhate/calsync/internal/clients/caldav"
	"github.com/tazhate/calsync/internal/clients/gcal"
	"github.com/tazhate/calsync/internal/remote"
)

func NewGateway(cfg config.ProviderConfig) (remote.Gateway, error) {
	switch cfg.Kind {
	case config.ProviderGoogle, "":
		return gcal.New(cfg), nil
	case config.ProviderCalDAV:
		return caldav.NewClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Kind)
	}
}
