package deviceclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrTransport marks a failed exchange with a controller on the local network.
var ErrTransport = errors.New("device transport error")

// Options tunes the per-call deadlines.
type Options struct {
	ConnectTimeout  time.Duration
	ProbeTimeout    time.Duration
	DeliveryTimeout time.Duration
	StatusTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 2 * time.Second
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 10 * time.Second
	}
	if o.StatusTimeout <= 0 {
		o.StatusTimeout = 5 * time.Second
	}
	return o
}

// Client talks to the HTTP server embedded in each controller.
type Client struct {
	http   *resty.Client
	opts   Options
	logger *zap.Logger
}

// New creates a device client. Controllers are addressed by bare ip or ip:port.
func New(opts Options, logger *zap.Logger) *Client {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,
	}
	client := resty.New().
		SetTransport(transport).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{http: client, opts: opts, logger: logger}
}

// Probe reports whether the controller answers GET /config on ip.
func (c *Client) Probe(ctx context.Context, ip string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()
	resp, err := c.http.R().
		SetContext(ctx).
		Get(endpoint(ip, "/config"))
	if err != nil {
		c.logger.Debug("device probe failed", zap.String("ip", ip), zap.Error(err))
		return false
	}
	return resp.IsSuccess()
}

// SendCommand pushes one frame to POST /command.
func (c *Client) SendCommand(ctx context.Context, ip string, frame model.DeliveryFrame) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DeliveryTimeout)
	defer cancel()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(frame).
		Post(endpoint(ip, "/command"))
	if err != nil {
		return fmt.Errorf("%w: send %s to %s: %v", ErrTransport, frame.MessageID, ip, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: send %s to %s: http status %d", ErrTransport, frame.MessageID, ip, resp.StatusCode())
	}
	return nil
}

// Status fetches the live status document from GET /status.
func (c *Client) Status(ctx context.Context, ip string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StatusTimeout)
	defer cancel()
	var out map[string]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(endpoint(ip, "/status"))
	if err != nil {
		return nil, fmt.Errorf("%w: status from %s: %v", ErrTransport, ip, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: status from %s: http status %d", ErrTransport, ip, resp.StatusCode())
	}
	return out, nil
}

func endpoint(ip, path string) string {
	host := strings.TrimSpace(ip)
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimSuffix(host, "/")
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}
	return "http://" + host + path
}
