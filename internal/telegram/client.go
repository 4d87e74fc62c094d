package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fastjson"

	"github.com/ferux/pairbroker/internal/config"
	"github.com/ferux/pairbroker/internal/model"
)

const defaultBaseURL = "https://api.telegram.org"

// Client for interacting with telegram.
type Client interface {
	SendMessage(ctx context.Context, text string) error
}

type clientNoop struct{}

func (clientNoop) SendMessage(_ context.Context, _ string) error {
	return nil
}

type client struct {
	c       *http.Client
	baseURL string
	apiKey  string
	chatID  string
}

type Option func(*client)

// WithBaseURL points client to another bot api server.
func WithBaseURL(u string) Option {
	return func(c *client) { c.baseURL = u }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.c = hc }
}

// New creates new telegram client. Client does nothing if chat isn't
// configured.
func New(cfg config.NotifyTelegram, opts ...Option) Client {
	if len(cfg.API) == 0 || len(cfg.ChatID) == 0 {
		return clientNoop{}
	}

	c := &client{
		c:       &http.Client{Timeout: time.Second * 10},
		baseURL: defaultBaseURL,
		apiKey:  cfg.API,
		chatID:  cfg.ChatID,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (client *client) SendMessage(ctx context.Context, text string) (err error) {
	logger := zerolog.Ctx(ctx).With().Str("pkg", "telegram").Logger()

	if len(text) == 0 {
		return errors.New("text is empty")
	}

	logger.Debug().Str("chat_id", client.chatID).Str("text", text).Msg("sending to telegram")

	requestURL := fmt.Sprintf("%s/bot%s/sendMessage", client.baseURL, client.apiKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}

	values := url.Values{}
	values.Set("chat_id", client.chatID)
	values.Set("text", text)

	request.URL.RawQuery = values.Encode()

	response, err := client.c.Do(request)
	if err != nil {
		// url.Error carries the key in its URL.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}

		return fmt.Errorf("sending message: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	responseData, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	v, err := fastjson.ParseBytes(responseData)
	if err != nil {
		logger.Error().Err(err).Msg("unable to parse response")

		return fmt.Errorf("parsing response: %w", err)
	}

	if !v.GetBool("ok") {
		return fmt.Errorf("telegram responded %d: %s", response.StatusCode, v.GetStringBytes("description"))
	}

	logger.Info().Int("message_id", v.GetInt("result", "message_id")).Msg("response from telegram")

	return nil
}

// DeviceEventHandler returns pubsub handler which reports claimed devices
// to the chat. Messages are sent in background with timeout.
func DeviceEventHandler(c Client, logger zerolog.Logger, timeout time.Duration) func(args ...interface{}) {
	return func(args ...interface{}) {
		for _, arg := range args {
			event, ok := arg.(model.DeviceEvent)
			if !ok || event.State != model.DeviceStateClaimed {
				continue
			}

			text := fmt.Sprintf("%s claimed %s at %s", event.ControllerID, event.MachineID, event.At.Format(time.RFC3339))

			go func() {
				ctx, cancel := context.WithTimeout(logger.WithContext(context.Background()), timeout)
				defer cancel()

				if err := c.SendMessage(ctx, text); err != nil {
					logger.Error().Err(err).Str("machine_id", event.MachineID).Msg("can't notify telegram")
				}
			}()
		}
	}
}
