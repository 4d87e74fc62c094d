package pbhttp

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ferux/pairbroker/internal/fcontext"
	"github.com/ferux/pairbroker/internal/session"
)

// handleWS upgrades device connection and serves the session in the
// request goroutine until the device leaves.
func (api *HTTP) handleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := zerolog.Ctx(ctx)

		// Upgrade replies to the client itself on failure.
		conn, err := api.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("unable to upgrade to websockets")
			return
		}

		t := session.NewWSTransport(conn, fcontext.RemoteAddr(ctx), api.wsOpts)

		err = api.sessions.Serve(ctx, t)
		if err != nil && !errors.Is(err, session.ErrShutdown) {
			logger.Debug().Err(err).Msg("device session ended")
		}
	}
}

func (api *HTTP) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(origin) == 0 {
		return true
	}

	return originAllowed(api.origins, origin)
}
