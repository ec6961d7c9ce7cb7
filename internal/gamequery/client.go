package gamequery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/samcm/ts-team-switcher/internal/metrics"
)

const (
	// ModeSync sends a request and collects datagrams until the read deadline passes.
	ModeSync = "sync"
	// ModeStream keeps a socket open and reassembles responses as they arrive.
	ModeStream = "stream"

	bufferSize = 32768
)

// ErrTimeout is returned when no complete response arrived in time.
var ErrTimeout = errors.New("timed out waiting for teamstatus response")

// TransportError wraps socket failures other than the expected read timeout.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Config holds game server query settings.
type Config struct {
	Name     string
	Host     string
	Port     int
	Password string
	Timeout  time.Duration
	Mode     string
}

// Address returns the host:port of the game server.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Querier fetches the player table from a game server.
type Querier interface {
	Query(ctx context.Context) (Response, error)
	Close() error
}

// New creates a Querier for the configured mode.
func New(ctx context.Context, log logrus.FieldLogger, cfg Config, m *metrics.Metrics) (Querier, error) {
	switch cfg.Mode {
	case "", ModeSync:
		return NewClient(log, cfg, m), nil
	case ModeStream:
		return DialStream(ctx, log, cfg, m)
	default:
		return nil, fmt.Errorf("unknown query mode %q", cfg.Mode)
	}
}

// Client queries a game server with one request per call. Each call opens a fresh
// socket, so concurrent calls never see each other's datagrams.
type Client struct {
	log     logrus.FieldLogger
	cfg     Config
	request []byte
	metrics *metrics.Metrics
}

// NewClient creates a synchronous query client.
func NewClient(log logrus.FieldLogger, cfg Config, m *metrics.Metrics) *Client {
	return &Client{
		log: log.WithFields(logrus.Fields{
			"component": "gamequery",
			"server":    cfg.Name,
		}),
		cfg:     cfg,
		request: BuildRequest(cfg.Password),
		metrics: m,
	}
}

// Query sends the teamstatus request and collects datagrams until the timeout elapses.
// The elapsed timeout marks the end of the response; it is not an error.
func (c *Client) Query(ctx context.Context) (Response, error) {
	blob, err := c.collect(ctx)
	if err != nil {
		c.metrics.GameQueries.WithLabelValues(c.cfg.Name, "error").Inc()
		return Response{}, err
	}

	c.metrics.GameQueries.WithLabelValues(c.cfg.Name, "ok").Inc()

	return decode(c.log, c.cfg.Name, c.metrics, blob), nil
}

// Close is a no-op; sockets are released at the end of every query.
func (c *Client) Close() error {
	return nil
}

func (c *Client) collect(ctx context.Context) ([]byte, error) {
	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "udp", c.cfg.Address())
	if err != nil {
		return nil, &TransportError{Op: "open socket", Err: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, &TransportError{Op: "set deadline", Err: err}
	}

	if _, err := conn.Write(c.request); err != nil {
		return nil, &TransportError{Op: "send request", Err: err}
	}

	var (
		blob []byte
		buf  = make([]byte, bufferSize)
	)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return blob, nil
			}

			return nil, &TransportError{Op: "receive response", Err: err}
		}

		// Datagrams are appended in arrival order; reordering is not corrected.
		blob = append(blob, StripEcho(buf[:n])...)
	}
}

// decode parses a response blob and reports every malformed row.
func decode(log logrus.FieldLogger, server string, m *metrics.Metrics, blob []byte) Response {
	resp, errs := ParseResponse(blob)

	for _, err := range errs {
		log.WithError(err).Warn("Skipping malformed teamstatus row")
	}

	if len(errs) > 0 {
		m.GameParseErrors.WithLabelValues(server).Add(float64(len(errs)))
	}

	log.WithFields(logrus.Fields{
		"map":     resp.Map,
		"players": len(resp.Players),
	}).Debug("Decoded teamstatus response")

	return resp
}
