/*
Package pairing hands credentials between a device and the controller
claiming it.

Controller claims a device and receives host token the device staged when
it connected. Controller then posts its client token, which the device's
session picks up and forwards to the device. Each token is consumed once:
reads pop the record from the token store.
*/
package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ferux/pairbroker/internal/config"
	"github.com/ferux/pairbroker/internal/model"
	"github.com/ferux/pairbroker/internal/registry"
	"github.com/ferux/pairbroker/internal/tokenstore"
)

const (
	ErrEmptyMachineID    model.Error = "machine_id is empty"
	ErrEmptyControllerID model.Error = "controller_id is empty"
	ErrEmptyToken        model.Error = "token is empty"
)

type Options struct {
	// TokenTTL is the life of a staged credential and the longest time
	// device waits for a client token.
	TokenTTL        time.Duration
	PollInterval    time.Duration
	PollMaxInterval time.Duration
}

func OptionsFromConfig(cfg config.Pairing) Options {
	return Options{
		TokenTTL:        cfg.TokenTTL.Std(),
		PollInterval:    cfg.PollInterval.Std(),
		PollMaxInterval: cfg.PollMaxInterval.Std(),
	}
}

type Service struct {
	registry *registry.Registry
	store    tokenstore.Store
	opts     Options
}

func New(reg *registry.Registry, store tokenstore.Store, opts Options) *Service {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = tokenstore.DefaultTTL
	}

	return &Service{registry: reg, store: store, opts: opts}
}

// Claim tries to give controller exclusive control over the device. Rejections
// are returned as ClaimResult, error is returned only when token store fails;
// the claim is rolled back in that case.
func (s *Service) Claim(ctx context.Context, machineID, controllerID string) (ClaimResult, error) {
	switch {
	case len(machineID) == 0:
		return ClaimResult{}, ErrEmptyMachineID
	case len(controllerID) == 0:
		return ClaimResult{}, ErrEmptyControllerID
	}

	logger := zerolog.Ctx(ctx).With().
		Str("machine_id", machineID).
		Str("controller_id", controllerID).
		Logger()

	outcome := s.registry.Claim(machineID, controllerID)
	if outcome != registry.Accepted {
		result := rejection(outcome, machineID, controllerID)
		logger.Info().Str("status", result.Status.String()).Msg(result.Message)

		return result, nil
	}

	hostToken, err := s.store.Pop(ctx, tokenstore.HostKey(machineID))
	if err != nil {
		s.registry.Release(machineID, controllerID)

		if errors.Is(err, model.ErrNotFound) {
			logger.Warn().Msg("claim accepted but host token is not staged, rolled back")

			return ClaimResult{
				Status:  StatusHostTokenMissing,
				Message: fmt.Sprintf("host token for %s is not available", machineID),
			}, nil
		}

		logger.Error().Err(err).Msg("popping host token, claim rolled back")

		return ClaimResult{}, fmt.Errorf("popping host token: %w", err)
	}

	logger.Info().Msg("host token handed to controller")

	return ClaimResult{Status: StatusPaired, HostToken: hostToken}, nil
}

// SubmitClientToken stages controller's token for the device.
func (s *Service) SubmitClientToken(ctx context.Context, machineID, clientToken string) error {
	switch {
	case len(machineID) == 0:
		return ErrEmptyMachineID
	case len(clientToken) == 0:
		return ErrEmptyToken
	}

	if err := s.store.Set(ctx, tokenstore.ClientKey(machineID), clientToken, s.opts.TokenTTL); err != nil {
		return fmt.Errorf("staging client token: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("machine_id", machineID).Msg("client token staged")

	return nil
}

// DepositHostToken stages device's token for the controller.
func (s *Service) DepositHostToken(ctx context.Context, machineID, hostToken string) error {
	switch {
	case len(machineID) == 0:
		return ErrEmptyMachineID
	case len(hostToken) == 0:
		return ErrEmptyToken
	}

	if err := s.store.Set(ctx, tokenstore.HostKey(machineID), hostToken, s.opts.TokenTTL); err != nil {
		return fmt.Errorf("staging host token: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("machine_id", machineID).Msg("host token staged")

	return nil
}

// DropCredentials deletes both records staged for the device.
func (s *Service) DropCredentials(ctx context.Context, machineID string) error {
	var errs []error
	for _, key := range []string{tokenstore.HostKey(machineID), tokenstore.ClientKey(machineID)} {
		if err := s.store.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("dropping credentials of %s: %w", machineID, err)
	}

	return nil
}

// Disconnect ends the device's presence: credentials staged for it are
// dropped, then the device and its claim are removed from the registry.
// Records are deleted while the device is still registered, so a new
// session of the same machine can't deposit in between. The device is
// unregistered even if the store fails.
func (s *Service) Disconnect(ctx context.Context, machineID string) error {
	err := s.DropCredentials(ctx, machineID)
	s.registry.UnregisterDevice(machineID)

	return err
}
