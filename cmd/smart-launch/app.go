package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wrale/smart-launch/internal/credential"
	"github.com/wrale/smart-launch/internal/gateway"
	"github.com/wrale/smart-launch/internal/launch"
	"github.com/wrale/smart-launch/internal/presenter"
	"github.com/wrale/smart-launch/internal/sandbox"
	"github.com/wrale/smart-launch/internal/sandbox/htmldom"
)

// app is the wired launch client shared by every command
type app struct {
	cfg    Config
	logger zerolog.Logger

	gateway    *gateway.Client
	correlator *credential.Correlator
	presenter  *presenter.Loopback
	bridge     *sandbox.Bridge
	orch       *launch.Orchestrator

	closers []func() error
}

// newApp wires the components. Authorization URLs of non-sandbox launches
// are shown with opener.
func newApp(ctx context.Context, cfg Config, logger zerolog.Logger, opener presenter.Opener) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	gw, err := gateway.New(cfg.BackendURL,
		gateway.WithHTTPClient(httpClient),
		gateway.WithUserAgent("smart-launch/"+Version),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gateway: %w", err)
	}
	a.gateway = gw

	memory := credential.NewMemoryStore(cfg.CredentialTTL)
	a.closers = append(a.closers, memory.Close)

	var primary credential.Store
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parsing Redis URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		a.closers = append(a.closers, client.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			// Writes degrade to the memory store until Redis comes back
			logger.Warn().Err(err).Msg("Redis unreachable at startup")
		}
		primary = credential.NewRedisStore(client, credential.WithRedisTTL(cfg.CredentialTTL))
	}
	if primary != nil {
		a.correlator = credential.New(primary, memory, logger)
	} else {
		a.correlator = credential.New(memory, nil, logger)
	}

	quickPicks, err := cfg.quickPicks()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.presenter = presenter.New(opener, logger)

	bridgeOpts := []sandbox.Option{sandbox.WithLogger(logger)}
	if cfg.SandboxCaptureDir != "" {
		bridgeOpts = append(bridgeOpts, sandbox.WithCaptureDir(cfg.SandboxCaptureDir))
	}
	a.bridge = sandbox.New(
		&htmldom.Host{Client: &http.Client{Timeout: cfg.HTTPTimeout}, Logger: logger},
		sandbox.Credentials{Username: cfg.SandboxUsername, Password: cfg.SandboxPassword},
		bridgeOpts...,
	)

	a.orch = launch.New(launch.Config{
		Gateway:        gw,
		Correlator:     a.correlator,
		Presenter:      a.presenter,
		Sandbox:        a.bridge,
		SandboxIss:     cfg.SandboxIss,
		RedirectURI:    cfg.RedirectURI,
		CallbackScheme: cfg.CallbackScheme,
		Scope:          cfg.Scope,
		Aud:            cfg.Aud,
		Vendor:         cfg.Vendor,
		QuickPicks:     quickPicks,
		Logger:         logger,
	})

	return a, nil
}

// Close releases the stores
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
