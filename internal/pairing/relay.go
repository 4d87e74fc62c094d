package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ferux/pairbroker/internal/model"
	"github.com/ferux/pairbroker/internal/tokenstore"
)

// WaitClientToken polls the store until controller's token appears and pops
// it. It gives up with model.ErrCredentialTimeout after TokenTTL. Cancelling
// ctx stops waiting with ctx's error.
func (s *Service) WaitClientToken(ctx context.Context, machineID string) (string, error) {
	if len(machineID) == 0 {
		return "", ErrEmptyMachineID
	}

	logger := zerolog.Ctx(ctx)
	key := tokenstore.ClientKey(machineID)

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.TokenTTL)
	defer cancel()

	b := s.newBackOff()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-waitCtx.Done():
			return "", waitError(ctx)
		case <-timer.C:
		}

		token, err := s.store.Pop(waitCtx, key)
		switch {
		case err == nil:
			logger.Debug().Int("attempts", attempt).Msg("client token picked up")
			return token, nil
		case errors.Is(err, model.ErrNotFound):
		case waitCtx.Err() != nil:
			return "", waitError(ctx)
		default:
			return "", fmt.Errorf("polling client token: %w", err)
		}

		timer.Reset(b.NextBackOff())
	}
}

// Relay waits for client token and hands it to send. The token is removed
// from the store before send is called: if send fails the token is lost and
// controller has to pair again.
func (s *Service) Relay(ctx context.Context, machineID string, send func(ctx context.Context, clientToken string) error) error {
	token, err := s.WaitClientToken(ctx, machineID)
	if err != nil {
		return err
	}

	if err = send(ctx, token); err != nil {
		return fmt.Errorf("sending client token: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("machine_id", machineID).Msg("client token relayed to device")

	return nil
}

func (s *Service) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if s.opts.PollInterval > 0 {
		b.InitialInterval = s.opts.PollInterval
	}

	if s.opts.PollMaxInterval > 0 {
		b.MaxInterval = s.opts.PollMaxInterval
	}

	// deadline is held by context.
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// waitError tells timeout apart from cancellation of the parent context.
func waitError(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}

	return model.ErrCredentialTimeout
}
