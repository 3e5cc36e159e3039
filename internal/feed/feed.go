// Package feed opens the live progress feed of a job over a websocket.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

const (
	idPlaceholder     = "{id}"
	defaultHandshake  = 10 * time.Second
	closeWriteTimeout = time.Second
	maxFrameBytes     = 1 << 20
)

// Config configures a Dialer.
type Config struct {
	// URLTemplate is the feed address with an {id} placeholder.
	URLTemplate      string
	Token            string
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Dialer implements job.Dialer with gorilla/websocket.
type Dialer struct {
	template string
	token    string
	dialer   *websocket.Dialer
	logger   *zap.Logger
}

var _ job.Dialer = (*Dialer)(nil)

// NewDialer validates the URL template and builds a Dialer.
func NewDialer(cfg Config) (*Dialer, error) {
	if !strings.Contains(cfg.URLTemplate, idPlaceholder) {
		return nil, fmt.Errorf("feed url template %q must contain %s", cfg.URLTemplate, idPlaceholder)
	}
	u, err := url.Parse(strings.ReplaceAll(cfg.URLTemplate, idPlaceholder, "0"))
	if err != nil {
		return nil, fmt.Errorf("parse feed url template: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("feed url %q must use ws or wss", cfg.URLTemplate)
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshake
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		template: cfg.URLTemplate,
		token:    cfg.Token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		logger: logger,
	}, nil
}

// URL returns the feed address of job id.
func (d *Dialer) URL(id int64) string {
	return strings.ReplaceAll(d.template, idPlaceholder, strconv.FormatInt(id, 10))
}

// Dial performs the websocket handshake for job id.
func (d *Dialer) Dial(ctx context.Context, id int64) (job.Feed, error) {
	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}
	target := d.URL(id)
	conn, resp, err := d.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial feed %s: handshake status %d: %w", target, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial feed %s: %w", target, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	d.logger.Debug("feed connected", zap.Int64("job_id", id), zap.String("url", target))
	return &Conn{ws: conn}, nil
}

// Conn is one open feed connection.
type Conn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// ReadMessage returns the next frame. A close frame from the peer surfaces
// as *job.CloseError.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &job.CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

// Close sends a normal-closure frame and releases the connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tracking finished")
		writeErr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		closeErr := c.ws.Close()
		if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
			c.closeErr = fmt.Errorf("send close frame: %w", writeErr)
			return
		}
		c.closeErr = closeErr
	})
	return c.closeErr
}

// Abort drops the connection without a closing handshake.
func (c *Conn) Abort() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
		c.closeErr = err
	})
	return err
}
