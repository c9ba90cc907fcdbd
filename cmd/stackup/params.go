package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/artpar/stackup/internal/core/crypto"
	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/shell/store"
)

// =============================================================================
// Sealed Parameters
// =============================================================================

// restoreParams adds previously generated parameters to env. Values from the
// env file win over restored ones.
func restoreParams(ctx context.Context, st store.Store, env domain.Environment, passphrase string, logger *slog.Logger) (domain.Environment, error) {
	params, err := st.ListParams(ctx)
	if err != nil {
		return env, err
	}

	for _, p := range params {
		if _, ok := env.Lookup(p.Key); ok {
			continue
		}
		plain, err := crypto.Open(p.Sealed, passphrase)
		if err != nil {
			return env, domain.NewConfigError("RestoreParams", "",
				"cannot unseal "+p.Key+": check the seal passphrase", err)
		}
		env = env.With(p.Key, string(plain))
		logger.Debug("restored generated parameter", "key", p.Key)
	}
	return env, nil
}

// sealParams stores the named parameters of env so the next run reuses them.
func sealParams(ctx context.Context, st store.Store, env domain.Environment, keys []string, passphrase string, now time.Time) error {
	return st.WithTx(ctx, func(tx store.Store) error {
		for _, key := range keys {
			sealed, err := crypto.Seal([]byte(env.Get(key)), passphrase)
			if err != nil {
				return domain.NewConfigError("SealParams", "", "cannot seal "+key, err)
			}
			if err := tx.SaveParam(ctx, &store.SealedParam{Key: key, Sealed: sealed, UpdatedAt: now}); err != nil {
				return err
			}
		}
		return nil
	})
}
