package pbhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ferux/pairbroker/internal/config"
	"github.com/ferux/pairbroker/internal/model"
	"github.com/ferux/pairbroker/internal/pairing"
	"github.com/ferux/pairbroker/internal/registry"
	"github.com/ferux/pairbroker/internal/session"
)

const (
	maxHeaderBytes = 256 * (1 << 10) // 256 KiB
	contentType    = "content-type"
	contentJSON    = "application/json"
)

type HTTP struct {
	srv *http.Server

	registry *registry.Registry
	pairing  *pairing.Service
	sessions *session.Handler
	upgrader websocket.Upgrader
	wsOpts   session.WSOptions
	origins  []string
	logger   zerolog.Logger
	notifier *sentry.Client

	requestCount int64
	bootTime     time.Time
}

// NewHTTP prepares new http service. nClient may be nil.
func NewHTTP(
	cfg config.Application,
	reg *registry.Registry,
	svc *pairing.Service,
	sessions *session.Handler,
	logger zerolog.Logger,
	nClient *sentry.Client,
	appInfo model.ApplicationInfo,
) (*HTTP, error) {
	if reg == nil || svc == nil || sessions == nil {
		return nil, errors.New("registry, pairing service and session handler are required")
	}

	to := cfg.HTTP.Timeout.Std()
	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		ReadTimeout:       to,
		ReadHeaderTimeout: to,
		WriteTimeout:      to,
		IdleTimeout:       to,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	api := &HTTP{
		srv:      srv,
		registry: reg,
		pairing:  svc,
		sessions: sessions,
		wsOpts:   session.WSOptionsFromConfig(cfg.WebSocket),
		origins:  cfg.CORS.AllowedOrigins,
		logger:   logger.With().Str("pkg", "pbhttp").Logger(),
		bootTime: time.Now(),
		notifier: nClient,
	}

	api.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout.Std(),
		ReadBufferSize:   4 << 10, // 4 KiB
		WriteBufferSize:  4 << 10, // 4 KiB
		CheckOrigin:      api.checkOrigin,
	}
	api.setupRoutes(appInfo)

	return api, nil
}

// Handler returns the root handler with every route.
func (api *HTTP) Handler() http.Handler {
	return api.srv.Handler
}

// Serve connections
func (api *HTTP) Serve() {
	go func() {
		api.logger.Info().Str("listen", api.srv.Addr).Msg("serving http")
		err := api.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			api.logger.Error().Err(err).Msg("interrupted")
			if api.notifier != nil {
				api.notifier.CaptureException(err, nil, sentry.NewScope())
			}
		}
	}()
}

// Shutdown stops accepting requests and closes device sessions. Hijacked
// websocket connections are not tracked by http.Server, so the session
// handler closes them.
func (api *HTTP) Shutdown(ctx context.Context) error {
	errSrv := api.srv.Shutdown(ctx)
	errSessions := api.sessions.Shutdown(ctx)

	return errors.Join(errSrv, errSessions)
}

func asJSON(ctx context.Context, w http.ResponseWriter, obj interface{}, code int) {
	w.Header().Set(contentType, contentJSON)
	w.WriteHeader(code)

	err := json.NewEncoder(w).Encode(obj)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("encoding json")
	}
}
