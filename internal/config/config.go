package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	stdtime "time"

	"github.com/ferux/pairbroker/internal/time"
)

// Application settings.
type Application struct {
	Debug          bool           `json:"debug"`
	HTTP           HTTP           `json:"http"`
	WebSocket      WebSocket      `json:"websocket"`
	Redis          Redis          `json:"redis"`
	Pairing        Pairing        `json:"pairing"`
	CORS           CORS           `json:"cors"`
	SentryDSN      string         `json:"sentry_dsn"`
	NotifyTelegram NotifyTelegram `json:"notify_telegram"`
	ServerName     string         `json:"server_name"`
}

type HTTP struct {
	Listen  string        `json:"listen"`
	Timeout time.Duration `json:"timeout"`
}

// WebSocket configures persistent device connections.
type WebSocket struct {
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	// HelloTimeout limits how long device may take to announce itself
	// and deposit its host token.
	HelloTimeout   time.Duration `json:"hello_timeout"`
	PingInterval   time.Duration `json:"ping_interval"`
	PongWait       time.Duration `json:"pong_wait"`
	MaxMessageSize int64         `json:"max_message_size"`
}

// Redis is the token store engine. Empty Addr keeps tokens in memory.
type Redis struct {
	Addr        string        `json:"addr"`
	Password    string        `json:"password"`
	DB          int           `json:"db"`
	DialTimeout time.Duration `json:"dial_timeout"`
}

type Pairing struct {
	TokenTTL        time.Duration `json:"token_ttl"`
	PollInterval    time.Duration `json:"poll_interval"`
	PollMaxInterval time.Duration `json:"poll_max_interval"`
}

type CORS struct {
	AllowedOrigins []string `json:"allowed_origins"`
}

type NotifyTelegram struct {
	API    string `json:"api"`
	ChatID string `json:"chat_id"`
}

// Default returns settings used for every value missing in config file.
func Default() Application {
	return Application{
		HTTP: HTTP{
			Listen:  ":8000",
			Timeout: time.Duration(15 * stdtime.Second),
		},
		WebSocket: WebSocket{
			HandshakeTimeout: time.Duration(5 * stdtime.Second),
			HelloTimeout:     time.Duration(30 * stdtime.Second),
			PingInterval:     time.Duration(20 * stdtime.Second),
			PongWait:         time.Duration(60 * stdtime.Second),
			MaxMessageSize:   64 << 10,
		},
		Redis: Redis{
			DialTimeout: time.Duration(5 * stdtime.Second),
		},
		Pairing: Pairing{
			TokenTTL:        time.Duration(15 * stdtime.Minute),
			PollInterval:    time.Duration(250 * stdtime.Millisecond),
			PollMaxInterval: time.Duration(2 * stdtime.Second),
		},
		CORS: CORS{
			AllowedOrigins: []string{"*"},
		},
	}
}

// Parse parses config from file over the defaults.
func Parse(path string) (Application, error) {
	fileBytes, err := os.ReadFile(path)
	if err != nil {
		return Application{}, err
	}

	app := Default()
	if err = json.Unmarshal(fileBytes, &app); err != nil {
		return Application{}, fmt.Errorf("decoding %s: %w", path, err)
	}

	if err = app.Validate(); err != nil {
		return Application{}, err
	}

	return app, nil
}

// Validate checks values that can't be fixed by defaults.
func (app Application) Validate() error {
	var errs []error

	if len(app.HTTP.Listen) == 0 {
		errs = append(errs, errors.New("http.listen is empty"))
	}

	if app.Pairing.TokenTTL <= 0 {
		errs = append(errs, errors.New("pairing.token_ttl must be positive"))
	}

	if app.Pairing.PollInterval <= 0 {
		errs = append(errs, errors.New("pairing.poll_interval must be positive"))
	}

	if app.Pairing.PollMaxInterval < app.Pairing.PollInterval {
		errs = append(errs, errors.New("pairing.poll_max_interval is less than poll_interval"))
	}

	if app.WebSocket.PingInterval <= 0 || app.WebSocket.PongWait <= app.WebSocket.PingInterval {
		errs = append(errs, errors.New("websocket.pong_wait must be greater than positive ping_interval"))
	}

	if len(app.Redis.Addr) > 0 && app.Redis.DialTimeout <= 0 {
		errs = append(errs, errors.New("redis.dial_timeout must be positive"))
	}

	if app.WebSocket.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("websocket.max_message_size must be positive"))
	}

	if (len(app.NotifyTelegram.API) == 0) != (len(app.NotifyTelegram.ChatID) == 0) {
		errs = append(errs, errors.New("notify_telegram requires both api and chat_id"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	return nil
}
