// Package push sends reminder notifications to a user's device through an
// FCM-style HTTP endpoint. Delivery is best-effort; callers treat failures
// as non-fatal.
package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	logx "medremind/pkg/logx"
)

// ErrDelivery wraps every transport-level failure so callers can classify
// without caring about HTTP details.
var ErrDelivery = errors.New("push delivery failed")

type Config struct {
	Enabled    bool
	Endpoint   string
	ServerKey  string
	Timeout    time.Duration
	RatePerSec int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	return c
}

type message struct {
	Token        string       `json:"token"`
	Notification notification `json:"notification"`
	Android      android      `json:"android"`
}

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type android struct {
	Priority string `json:"priority"`
}

type payload struct {
	Message message `json:"message"`
}

type Client struct {
	cfg     Config
	http    *resty.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	httpc := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.ServerKey != "" {
		httpc.SetAuthToken(cfg.ServerKey)
	}
	return &Client{
		cfg:  cfg,
		http: httpc,
		// Token bucket: burst = rate per sec, so fire bursts at popular
		// reminder times don't block each other hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
	}
}

// Send delivers one notification to the device identified by token.
func (c *Client) Send(ctx context.Context, token, title, body string) error {
	if !c.cfg.Enabled {
		c.log.Debug("push disabled; dropping notification", logx.String("title", title))
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload{Message: message{
			Token:        token,
			Notification: notification{Title: title, Body: body},
			Android:      android{Priority: "high"},
		}}).
		Post(c.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: status %d: %s", ErrDelivery, resp.StatusCode(), resp.String())
	}
	return nil
}
