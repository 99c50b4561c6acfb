package cli

import (
	"github.com/tazhate/calsync/internal/clients"
	"github.com/tazhate/calsync/internal/crypto"
	"github.com/tazhate/calsync/internal/service"
)

type services struct {
	cipher   *crypto.Encryptor
	tokens   *service.TokenManager
	sync     *service.SyncService
	calendar *service.CalendarService
}

func (rt *runtime) services() (*services, error) {
	cipher, err := crypto.NewEncryptor(rt.cfg.EncryptionKey)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid encryption key", err)
	}

	gateway, err := clients.NewGateway(rt.cfg.Provider)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build provider gateway", err)
	}

	refresher := service.NewOAuthRefresher(rt.cfg.Provider, nil)
	tokens := service.NewTokenManager(rt.store, refresher, cipher, rt.logger)

	settings := service.SyncSettings{
		Timezone:   rt.cfg.Timezone,
		PastDays:   rt.cfg.SyncPastDays,
		FutureDays: rt.cfg.SyncFutureDays,
	}

	return &services{
		cipher:   cipher,
		tokens:   tokens,
		sync:     service.NewSyncService(rt.store, tokens, gateway, settings, rt.logger),
		calendar: service.NewCalendarService(rt.store, tokens, gateway, rt.logger),
	}, nil
}
