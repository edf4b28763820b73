package docker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/sethvargo/go-retry"
)

// WaitReady polls url until it answers 2xx or 3xx, or timeout elapses.
func (s *Impl) WaitReady(ctx context.Context, url string, timeout time.Duration) error {
	s.logger.Info().Str("url", url).Dur("timeout", timeout).Msg("waiting for nextcloud to become ready")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	backoff := retry.WithMaxDuration(timeout, retry.NewConstant(s.pollEvery))
	err = retry.Do(ctx, backoff, func(_ context.Context) error {
		resp, err := s.httpClient.Do(req)
		if err != nil {
			s.logger.Debug().Err(err).Msg("nextcloud not ready yet")
			return retry.RetryableError(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 400 {
			s.logger.Debug().Int("status", resp.StatusCode).Msg("nextcloud not ready yet")
			return retry.RetryableError(fmt.Errorf("status %d", resp.StatusCode))
		}

		s.logger.Info().Str("url", url).Int("status", resp.StatusCode).Msg("nextcloud is ready")
		return nil
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperr.FromContext(ctxErr)
	}
	return apperr.Wrap(apperr.KindTimedOut, err, fmt.Sprintf("nextcloud at %s not ready after %s", url, timeout))
}
