package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/ferux/pairbroker"
	"github.com/ferux/pairbroker/internal/api/pbhttp"
	"github.com/ferux/pairbroker/internal/config"
	"github.com/ferux/pairbroker/internal/model"
	"github.com/ferux/pairbroker/internal/pairing"
	"github.com/ferux/pairbroker/internal/pubsub"
	"github.com/ferux/pairbroker/internal/registry"
	"github.com/ferux/pairbroker/internal/session"
	"github.com/ferux/pairbroker/internal/telegram"
	"github.com/ferux/pairbroker/internal/tokenstore"
)

const (
	shutdownTimeout = time.Second * 15
	notifyTimeout   = time.Second * 10
)

func main() {
	path := flag.String("config", "./config.json", "path to config")
	showRevision := flag.Bool("revision", false, "show version of the application")

	flag.Parse()

	if *showRevision {
		fmt.Println(pairbroker.Revision)
		return
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	cfg, err := config.Parse(*path)
	if err != nil {
		logger.
			Fatal().
			Err(err).
			Str("revision", pairbroker.Revision).
			Str("branch", pairbroker.Branch).
			Str("env", pairbroker.Env).
			Msg("parsing config file")
	}

	if cfg.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	}

	logger.
		Debug().
		Str("listen", cfg.HTTP.Listen).
		Str("redis", cfg.Redis.Addr).
		Str("rev", pairbroker.Revision).
		Str("branch", pairbroker.Branch).
		Msg("starting application")

	notifierClient, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Release:     pairbroker.Revision,
		Environment: pairbroker.Env,
		ServerName:  cfg.ServerName,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("can't create sentry client")
	}
	defer notifierClient.Flush(time.Second * 2)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout.Std())
	store, err := openStore(ctx, cfg.Redis)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("can't connect to token store")
	}

	defer func() {
		if errClose := store.Close(); errClose != nil {
			logger.Error().Err(errClose).Msg("closing token store")
		}
	}()

	tgclient := telegram.New(cfg.NotifyTelegram)

	subs := pubsub.New()
	subs.Subscribe(pubsub.DeviceStateTopic, logDeviceEvent(logger))
	subs.Subscribe(pubsub.DeviceStateTopic, telegram.DeviceEventHandler(tgclient, logger, notifyTimeout))

	reg := registry.New(logger, subs)
	svc := pairing.New(reg, store, pairing.OptionsFromConfig(cfg.Pairing))
	sessions := session.NewHandler(reg, svc, session.OptionsFromConfig(cfg.WebSocket), logger)

	appInfo := model.ApplicationInfo{
		Revision:    pairbroker.Revision,
		Branch:      pairbroker.Branch,
		Environment: pairbroker.Env,
	}

	api, err := pbhttp.NewHTTP(cfg, reg, svc, sessions, logger, notifierClient, appInfo)
	if err != nil {
		logger.Fatal().Err(err).Msg("can't create http service")
	}
	api.Serve()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := sendNotificationMessage(ctx, tgclient); err != nil {
			logger.Error().Err(err).Msg("can't notify telegram")
		}
	}()

	s := make(chan os.Signal, 1)
	signal.Notify(s, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-s

	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if errNotify := tgclient.SendMessage(ctx, "shutting down"); errNotify != nil {
		logger.Error().Err(errNotify).Msg("error notifying via tg")
	}

	if errShut := api.Shutdown(ctx); errShut != nil {
		logger.Error().Err(errShut).Msg("error shutting down server")
	}
}

// openStore keeps tokens in memory when redis address is not set.
func openStore(ctx context.Context, cfg config.Redis) (tokenstore.Store, error) {
	if len(cfg.Addr) == 0 {
		return tokenstore.NewMemory(), nil
	}

	return tokenstore.Dial(ctx, cfg)
}

func logDeviceEvent(logger zerolog.Logger) pubsub.Handler {
	logger = logger.With().Str("topic", string(pubsub.DeviceStateTopic)).Logger()

	return func(args ...interface{}) {
		for _, arg := range args {
			event, ok := arg.(model.DeviceEvent)
			if !ok {
				continue
			}

			logger.Debug().
				Str("machine_id", event.MachineID).
				Str("controller_id", event.ControllerID).
				Str("state", event.State.String()).
				Time("at", event.At).
				Msg("device state changed")
		}
	}
}

func sendNotificationMessage(ctx context.Context, tgclient telegram.Client) error {
	var b = pairbroker.Branch
	var e = pairbroker.Env
	var r = pairbroker.Revision
	message := fmt.Sprintf("pairbroker branch=%s env=%s revision=%s", b, e, r)
	return tgclient.SendMessage(ctx, message)
}
