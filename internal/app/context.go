package app

import (
	"context"
	"errors"
	"fmt"

	"plenario/internal/config"
	"plenario/internal/repo"
)

// ResolveChamberAndConfig picks the active chamber and ensures its config
// row exists, seeding the default when missing. It prefers the override,
// then the single configured chamber in the DB.
func ResolveChamberAndConfig(ctx context.Context, chamberOverride string, r repo.Repo) (string, *config.Config, error) {
	chamberID := chamberOverride
	if chamberID == "" {
		id, err := r.SingleChamber(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				chamberID = "camara-municipal"
			} else {
				return "", nil, err
			}
		} else {
			chamberID = id
		}
	}
	cfg, err := r.GetChamberConfig(ctx, chamberID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(chamberID)
		if err := r.UpsertChamberConfig(ctx, chamberID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed chamber config: %w", err)
		}
	}
	cfg.Chamber.ID = chamberID
	return chamberID, cfg, nil
}
