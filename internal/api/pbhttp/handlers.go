package pbhttp

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/valyala/fastjson"

	"github.com/ferux/pairbroker/internal/fcontext"
	"github.com/ferux/pairbroker/internal/model"
	"github.com/ferux/pairbroker/internal/pairing"
)

const (
	forwardedForHeader = "X-Forwarded-For"
	retryAfterHeader   = "Retry-After"

	// retryAfter is sent with 503 responses, in seconds.
	retryAfter = "1"

	maxBodyBytes = 64 << 10 // 64 KiB
)

type infoResponse struct {
	Revision     string  `json:"revision"`
	Branch       string  `json:"branch"`
	Environment  string  `json:"environment"`
	BootTime     string  `json:"boot_time"`
	Uptime       float64 `json:"uptime"`
	RequestCount int     `json:"request_count"`
	Devices      int     `json:"devices"`
	Sessions     int     `json:"sessions"`
}

type hostTokenResponse struct {
	HostToken string `json:"host_token"`
}

type rejectedResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type offlineResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (api *HTTP) handleInfo(info model.ApplicationInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		asJSON(r.Context(), w, infoResponse{
			Revision:     info.Revision,
			Branch:       info.Branch,
			Environment:  info.Environment,
			BootTime:     api.bootTime.String(),
			Uptime:       time.Since(api.bootTime).Seconds(),
			RequestCount: int(atomic.LoadInt64(&api.requestCount)),
			Devices:      len(api.registry.Devices()),
			Sessions:     api.sessions.Active(),
		}, http.StatusOK)
	}
}

// handleClaim hands host token to the controller claiming the device.
func (api *HTTP) handleClaim() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ctx = r.Context()
		var query = r.URL.Query()
		var machineID = query.Get("machine_id")
		var controllerID = query.Get("controller_id")
		if len(controllerID) == 0 {
			controllerID = query.Get("user_id")
		}

		result, err := api.pairing.Claim(ctx, machineID, controllerID)
		if err != nil {
			api.serveError(ctx, w, r, err)
			return
		}

		switch result.Status {
		case pairing.StatusPaired:
			asJSON(ctx, w, hostTokenResponse{HostToken: result.HostToken}, http.StatusOK)
		case pairing.StatusDeviceOffline:
			asJSON(ctx, w, offlineResponse{
				Status: result.Message,
				Reason: result.Status.String(),
			}, http.StatusNotFound)
		default:
			asJSON(ctx, w, rejectedResponse{
				Error:  result.Message,
				Reason: result.Status.String(),
			}, http.StatusConflict)
		}
	}
}

// handleClientToken stages controller's token. Fields are taken from json
// body, form or query.
func (api *HTTP) handleClientToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ctx = r.Context()

		machineID, clientToken, err := clientTokenFields(w, r)
		if err != nil {
			api.serveError(ctx, w, r, model.ServiceError{
				Message:   err.Error(),
				RequestID: fcontext.RequestID(ctx),
				Code:      http.StatusBadRequest,
			})

			return
		}

		err = api.pairing.SubmitClientToken(ctx, machineID, clientToken)
		if err != nil {
			api.serveError(ctx, w, r, err)
			return
		}

		asJSON(ctx, w, statusResponse{Status: "Done"}, http.StatusOK)
	}
}

func clientTokenFields(w http.ResponseWriter, r *http.Request) (machineID, clientToken string, err error) {
	if strings.HasPrefix(r.Header.Get(contentType), contentJSON) {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return "", "", err
		}

		v, err := fastjson.ParseBytes(data)
		if err != nil {
			return "", "", err
		}

		return string(v.GetStringBytes("machine_id")), string(v.GetStringBytes("client_token")), nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err = r.ParseForm(); err != nil {
		return "", "", err
	}

	return r.Form.Get("machine_id"), r.Form.Get("client_token"), nil
}

func (api *HTTP) handleGetDevices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ctx = r.Context()
		devices := api.registry.Devices()

		asJSON(ctx, w, devices, http.StatusOK)
	}
}

func (api *HTTP) handleGetDevice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ctx = r.Context()
		var machineID = mux.Vars(r)["machine_id"]

		device, err := api.registry.Device(machineID)
		if err != nil {
			api.serveError(ctx, w, r, err)
			return
		}

		asJSON(ctx, w, device, http.StatusOK)
	}
}

func realIP(r *http.Request) string {
	addr := r.Header.Get(forwardedForHeader)
	if len(addr) > 0 {
		if i := strings.IndexByte(addr, ','); i >= 0 {
			addr = addr[:i]
		}

		return strings.TrimSpace(addr)
	}

	addr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return addr
}

// serviceError converts err to the response. It never returns internal
// details of temporary failures.
func serviceError(rid string, err error) model.ServiceError {
	var serr model.ServiceError
	if errors.As(err, &serr) {
		if serr.Code == 0 {
			serr.Code = http.StatusInternalServerError
		}

		return serr
	}

	response := model.ServiceError{
		Message:   err.Error(),
		RequestID: rid,
		Code:      http.StatusInternalServerError,
	}

	switch {
	case errors.Is(err, pairing.ErrEmptyMachineID),
		errors.Is(err, pairing.ErrEmptyControllerID),
		errors.Is(err, pairing.ErrEmptyToken):
		response.Code = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrNotFound):
		response.Code = http.StatusNotFound
	case model.IsTemporary(err):
		response.Message = "token store is unavailable"
		response.Code = http.StatusServiceUnavailable
	}

	return response
}

func (api *HTTP) serveError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	var (
		logger        = zerolog.Ctx(ctx)
		rid           = fcontext.RequestID(ctx)
		responseError = serviceError(rid, err)
	)

	if responseError.Code == http.StatusServiceUnavailable {
		w.Header().Set(retryAfterHeader, retryAfter)
	}

	if responseError.Code < http.StatusInternalServerError {
		logger.Warn().Err(err).Int("code", responseError.Code).Msg("rejected request")
		asJSON(ctx, w, responseError, responseError.Code)

		return
	}

	logger.Error().Err(err).Int("code", responseError.Code).Msg("captured error")

	if api.notifier != nil {
		event := sentry.NewEvent()
		event.Exception = []sentry.Exception{{
			Value:      err.Error(),
			Stacktrace: sentry.NewStacktrace(),
		}}
		event.Message = responseError.Message
		event.Level = sentry.LevelError
		event.Tags["request_id"] = rid
		event.Request = sentry.NewRequest(r)

		api.notifier.CaptureEvent(event, &sentry.EventHint{
			OriginalException: err,
		}, sentry.NewScope())
	}

	asJSON(ctx, w, responseError, responseError.Code)
}
