package gamequery

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/samcm/ts-team-switcher/internal/metrics"
)

// StreamClient keeps one socket open and reassembles responses from an unframed
// datagram stream in a background receive loop. Completed responses are handed to
// Query over a channel. Only one request may be outstanding at a time.
type StreamClient struct {
	log       logrus.FieldLogger
	cfg       Config
	request   []byte
	metrics   *metrics.Metrics
	conn      net.Conn
	responses chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	mu        sync.Mutex
}

// DialStream opens the socket and starts the receive loop.
func DialStream(ctx context.Context, log logrus.FieldLogger, cfg Config, m *metrics.Metrics) (*StreamClient, error) {
	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "udp", cfg.Address())
	if err != nil {
		return nil, &TransportError{Op: "open socket", Err: err}
	}

	c := &StreamClient{
		log: log.WithFields(logrus.Fields{
			"component": "gamequery",
			"server":    cfg.Name,
			"mode":      ModeStream,
		}),
		cfg:       cfg,
		request:   BuildRequest(cfg.Password),
		metrics:   m,
		conn:      conn,
		responses: make(chan []byte, 1),
		done:      make(chan struct{}),
	}

	c.wg.Add(1)

	go c.receive()

	return c, nil
}

// Query sends a request and waits for the next complete response.
func (c *StreamClient) Query(ctx context.Context) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Drop a response that completed after its query gave up.
	select {
	case <-c.responses:
	default:
	}

	if _, err := c.conn.Write(c.request); err != nil {
		c.metrics.GameQueries.WithLabelValues(c.cfg.Name, "error").Inc()
		return Response{}, &TransportError{Op: "send request", Err: err}
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case blob := <-c.responses:
		c.metrics.GameQueries.WithLabelValues(c.cfg.Name, "ok").Inc()
		return decode(c.log, c.cfg.Name, c.metrics, blob), nil
	case <-timer.C:
		c.metrics.GameQueries.WithLabelValues(c.cfg.Name, "timeout").Inc()
		return Response{}, ErrTimeout
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-c.done:
		return Response{}, net.ErrClosed
	}
}

// Close stops the receive loop and releases the socket.
func (c *StreamClient) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
	})

	return err
}

func (c *StreamClient) receive() {
	defer c.wg.Done()

	var (
		asm Assembler
		buf = make([]byte, bufferSize)
	)

	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}

			// ICMP errors from a connected socket surface here; keep listening.
			c.log.WithError(err).Warn("Failed to receive teamstatus datagram")
			asm.Reset()

			continue
		}

		blob, complete := asm.Feed(buf[:n])
		if !complete {
			continue
		}

		select {
		case c.responses <- blob:
		default:
			// Nobody collected the previous response; replace it.
			select {
			case <-c.responses:
			default:
			}
			c.responses <- blob
		}
	}
}
