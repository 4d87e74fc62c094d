/*
Package session drives one persistent device connection.

The first frame announces the device: {"connection_type":"device","machine_id":"..."}.
The broker registers the device, confirms, and expects the host token frame
{"machine_id":"...","host_token":"..."}. Afterwards the session waits for
the controller's client token and sends {"client_token":"..."} to the device.
The connection then stays open until the device leaves; the device is
unregistered, with its claim, whatever way the session ends.
*/
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ferux/pairbroker/internal/config"
	"github.com/ferux/pairbroker/internal/model"
	"github.com/ferux/pairbroker/internal/pairing"
	"github.com/ferux/pairbroker/internal/registry"
)

const disconnectTimeout = 5 * time.Second

const (
	ErrHelloTimeout model.Error = "device didn't introduce itself in time"
	ErrShutdown     model.Error = "server is shutting down"
)

type Options struct {
	// HelloTimeout limits time between accepting connection and receiving
	// the host token frame.
	HelloTimeout time.Duration
}

func OptionsFromConfig(cfg config.WebSocket) Options {
	return Options{HelloTimeout: cfg.HelloTimeout.Std()}
}

// Handler serves device sessions and keeps track of them for shutdown.
type Handler struct {
	registry *registry.Registry
	pairing  *pairing.Service
	opts     Options
	logger   zerolog.Logger

	mu           sync.Mutex
	active       map[Transport]struct{}
	wg           sync.WaitGroup
	shuttingDown bool
}

func NewHandler(reg *registry.Registry, svc *pairing.Service, opts Options, logger zerolog.Logger) *Handler {
	return &Handler{
		registry: reg,
		pairing:  svc,
		opts:     opts,
		logger:   logger.With().Str("pkg", "session").Logger(),
		active:   make(map[Transport]struct{}),
	}
}

// Serve runs the session until it ends and returns the reason. Clean close
// by the device returns nil. Transport is closed when Serve returns.
func (h *Handler) Serve(ctx context.Context, t Transport) error {
	if !h.track(t) {
		_ = t.Close(websocket.CloseGoingAway, ErrShutdown.Error())
		return ErrShutdown
	}
	defer h.untrack(t)

	s := &session{
		h:         h,
		t:         t,
		logger:    h.logger.With().Str("remote_addr", t.RemoteAddr()).Logger(),
		startedAt: time.Now(),
	}

	return s.run(ctx)
}

// Shutdown closes every open session and waits for their cleanup.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shuttingDown = true
	transports := make([]Transport, 0, len(h.active))
	for t := range h.active {
		transports = append(transports, t)
	}
	h.mu.Unlock()

	for _, t := range transports {
		_ = t.Close(websocket.CloseGoingAway, ErrShutdown.Error())
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns number of open sessions.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.active)
}

func (h *Handler) track(t Transport) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.shuttingDown {
		return false
	}

	h.active[t] = struct{}{}
	h.wg.Add(1)

	return true
}

func (h *Handler) untrack(t Transport) {
	h.mu.Lock()
	delete(h.active, t)
	h.mu.Unlock()

	h.wg.Done()
}

type session struct {
	h         *Handler
	t         Transport
	logger    zerolog.Logger
	startedAt time.Time

	// machineID is set once the device is registered by this session and
	// is the only id cleanup works with.
	machineID  string
	helloTimer *time.Timer
	timedOut   atomic.Bool
}

func (s *session) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("session panicked")

			err = fmt.Errorf("session panicked: %v", r)
		}

		s.cleanup(err)
	}()

	if s.h.opts.HelloTimeout > 0 {
		s.helloTimer = time.AfterFunc(s.h.opts.HelloTimeout, func() {
			s.timedOut.Store(true)
			_ = s.t.Close(websocket.ClosePolicyViolation, ErrHelloTimeout.Error())
		})
		defer s.helloTimer.Stop()
	}

	data, err := s.t.ReadFrame()
	if err != nil {
		return s.readError(err)
	}

	hl, err := parseHello(data)
	if err != nil {
		return err
	}

	s.logger.Debug().Str("connection_type", hl.ConnectionType.String()).Msg("hello received")

	switch hl.ConnectionType {
	case ConnectionTypeDevice:
		return s.serveDevice(ctx, hl)
	default:
		return fmt.Errorf("%w: unexpected connection_type %s", model.ErrBadConnection, hl.ConnectionType)
	}
}

func (s *session) serveDevice(ctx context.Context, hl hello) error {
	if len(hl.MachineID) == 0 {
		return fmt.Errorf("%w: machine_id is missing", model.ErrMalformedFrame)
	}

	if err := s.h.registry.RegisterDevice(hl.MachineID, s.t); err != nil {
		return fmt.Errorf("registering %s: %w", hl.MachineID, err)
	}

	s.machineID = hl.MachineID
	s.logger = s.logger.With().Str("machine_id", s.machineID).Logger()
	ctx = s.logger.WithContext(ctx)

	// a client token posted while the device was away belongs to a claim
	// nobody holds anymore.
	if err := s.h.pairing.DropCredentials(ctx, s.machineID); err != nil {
		return err
	}

	if err := s.t.WriteFrame(confirmationFrame{Message: confirmationMessage}); err != nil {
		return err
	}

	data, err := s.t.ReadFrame()
	if err != nil {
		return s.readError(err)
	}

	cred, err := parseCredential(data)
	if err != nil {
		return err
	}

	if s.helloTimer != nil && !s.helloTimer.Stop() && s.timedOut.Load() {
		return ErrHelloTimeout
	}

	if cred.MachineID != s.machineID {
		return fmt.Errorf("%w: host token for %s on %s session", model.ErrMalformedFrame, cred.MachineID, s.machineID)
	}

	if err = s.h.pairing.DepositHostToken(ctx, s.machineID, cred.HostToken); err != nil {
		return err
	}

	return s.relay(ctx)
}

// relay waits for client token while watching the transport, then holds the
// session until the device leaves.
func (s *session) relay(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	closed := make(chan error, 1)
	go func() {
		closed <- s.drain()
		cancel()
	}()

	err := s.h.pairing.Relay(ctx, s.machineID, func(_ context.Context, token string) error {
		return s.t.WriteFrame(clientTokenFrame{ClientToken: token})
	})
	if err != nil {
		// drain reports before cancelling, so its reason is already there
		// when it was the one to stop the wait.
		select {
		case errClosed := <-closed:
			if errors.Is(err, context.Canceled) {
				return errClosed
			}
		default:
		}

		return err
	}

	select {
	case err = <-closed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain consumes frames device sends after its host token, so the session
// notices when the transport goes away.
func (s *session) drain() error {
	for {
		data, err := s.t.ReadFrame()
		if err != nil {
			return s.readError(err)
		}

		s.logger.Debug().Int("size", len(data)).Msg("ignoring frame from paired device")
	}
}

func (s *session) readError(err error) error {
	if s.timedOut.Load() {
		return ErrHelloTimeout
	}

	if errors.Is(err, io.EOF) {
		return nil
	}

	return err
}

// cleanup reports the reason to the peer, closes transport and unregisters
// the device registered by this session, if any.
func (s *session) cleanup(err error) {
	logger := s.logger.With().Dur("took", time.Since(s.startedAt)).Logger()
	code, reason := closeReason(err)

	var event *zerolog.Event
	switch {
	case err == nil:
		event = logger.Info()
	case model.IsTemporary(err),
		errors.Is(err, ErrShutdown),
		errors.Is(err, context.Canceled),
		errors.Is(err, model.ErrCredentialTimeout):
		event = logger.Warn().Err(err)
	default:
		event = logger.Error().Err(err)
	}

	if len(reason) > 0 {
		_ = s.t.WriteFrame(errorFrame{Error: reason})
	}

	_ = s.t.Close(code, truncateReason(reason))

	if len(s.machineID) > 0 {
		// session ctx may be gone already
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		if errDisconnect := s.h.pairing.Disconnect(ctx, s.machineID); errDisconnect != nil {
			logger.Warn().Err(errDisconnect).
				Bool("temporary", model.IsTemporary(errDisconnect)).
				Msg("stale credentials are left until they expire")
		}
		cancel()
	}

	event.Msg("session closed")
}

// closeReason maps the end of the session to websocket close code and the
// message sent to the device. Empty message means nothing is sent.
func closeReason(err error) (int, string) {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(err, ErrShutdown):
		return websocket.CloseGoingAway, ErrShutdown.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return websocket.CloseGoingAway, ""
	case errors.Is(err, model.ErrAlreadyConnected),
		errors.Is(err, model.ErrMalformedFrame),
		errors.Is(err, model.ErrBadConnection),
		errors.Is(err, ErrHelloTimeout):
		return websocket.ClosePolicyViolation, err.Error()
	case errors.Is(err, model.ErrCredentialTimeout):
		return websocket.CloseTryAgainLater, model.ErrCredentialTimeout.Error()
	case model.IsTemporary(err):
		return websocket.CloseTryAgainLater, "token store is unavailable"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}

// maxCloseReason is the room left for reason in a close frame payload.
const maxCloseReason = 123

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}

	return reason[:maxCloseReason]
}
