package registry

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"crmlicense.app/licensing/internal/logger"
	"crmlicense.app/licensing/models"
)

// Sweep flips stored active licenses whose expiry has passed to expired and
// returns how many were changed.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	licenses, err := r.store.ListLicenses(ctx, models.StatusActive)
	if err != nil {
		return 0, err
	}

	now := r.now()
	var result *multierror.Error
	expired := 0
	for _, license := range licenses {
		if DeriveStatus(license, now) != models.StatusExpired {
			continue
		}
		if err := r.store.SetLicenseStatus(ctx, license.ID, models.StatusExpired); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		expired++
		logger.Info("License expired", map[string]interface{}{
			"license_id": license.ID,
			"expires_on": license.ExpiryString(),
		})
	}

	r.metrics.SweepExpired(expired)
	return expired, result.ErrorOrNil()
}

// RunSweeper sweeps every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := r.Sweep(ctx); err != nil {
			logger.Error("Expiry sweep failed", map[string]interface{}{
				"error":   err.Error(),
				"expired": n,
			})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
