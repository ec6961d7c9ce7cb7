// Package players keeps the latest player list of a game server.
package players

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/samcm/ts-team-switcher/internal/gamequery"
	"github.com/samcm/ts-team-switcher/internal/metrics"
)

// Snapshot is an immutable view of the players on a game server.
type Snapshot struct {
	Taken   time.Time
	Map     string
	players map[int64]gamequery.Player
}

func newSnapshot(resp gamequery.Response, taken time.Time) *Snapshot {
	players := make(map[int64]gamequery.Player, len(resp.Players))
	for _, p := range resp.Players {
		players[p.GUID] = p
	}

	return &Snapshot{
		Taken:   taken,
		Map:     resp.Map,
		players: players,
	}
}

// Player returns the player with the given GUID.
func (s *Snapshot) Player(guid int64) (gamequery.Player, bool) {
	p, ok := s.players[guid]
	return p, ok
}

// Len returns the number of players in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.players)
}

// Players returns every player in the snapshot, in no particular order.
func (s *Snapshot) Players() []gamequery.Player {
	out := make([]gamequery.Player, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, p)
	}

	return out
}

// Config holds player directory settings.
type Config struct {
	Name         string
	PollInterval time.Duration
}

// Directory polls a game server while enabled and serves the latest snapshot.
type Directory struct {
	log      logrus.FieldLogger
	cfg      Config
	querier  gamequery.Querier
	metrics  *metrics.Metrics
	snapshot atomic.Pointer[Snapshot]

	mu   sync.Mutex
	stop chan struct{} // non-nil while polling
	wg   sync.WaitGroup
}

// NewDirectory creates an idle player directory.
func NewDirectory(log logrus.FieldLogger, cfg Config, q gamequery.Querier, m *metrics.Metrics) *Directory {
	d := &Directory{
		log: log.WithFields(logrus.Fields{
			"component": "players",
			"server":    cfg.Name,
		}),
		cfg:     cfg,
		querier: q,
		metrics: m,
	}

	d.snapshot.Store(newSnapshot(gamequery.Response{}, time.Time{}))
	m.DirectoryPolling.WithLabelValues(cfg.Name).Set(0)

	return d
}

// Enable starts polling the game server. Enabling an already polling directory is a no-op.
func (d *Directory) Enable(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stop != nil {
		return
	}

	d.stop = make(chan struct{})
	d.wg.Add(1)

	go d.loop(ctx, d.stop)

	d.metrics.DirectoryPolling.WithLabelValues(d.cfg.Name).Set(1)
	d.log.WithField("interval", d.cfg.PollInterval).Info("Started polling game server")
}

// Disable stops polling and forgets the last snapshot. Disabling an idle directory is a no-op.
func (d *Directory) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stop == nil {
		return
	}

	close(d.stop)
	d.stop = nil

	d.snapshot.Store(newSnapshot(gamequery.Response{}, time.Time{}))
	d.metrics.DirectoryPolling.WithLabelValues(d.cfg.Name).Set(0)
	d.metrics.GamePlayers.WithLabelValues(d.cfg.Name).Set(0)
	d.log.Info("Stopped polling game server")
}

// Polling reports whether the directory is enabled.
func (d *Directory) Polling() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stop != nil
}

// Close disables the directory, waits for an in-flight poll and releases the querier.
func (d *Directory) Close() error {
	d.Disable()
	d.wg.Wait()

	if err := d.querier.Close(); err != nil {
		return fmt.Errorf("failed to close game server query client: %w", err)
	}

	return nil
}

// Player returns the player with the given GUID from the latest snapshot.
func (d *Directory) Player(guid int64) (gamequery.Player, bool) {
	return d.snapshot.Load().Player(guid)
}

// Snapshot returns the latest snapshot.
func (d *Directory) Snapshot() *Snapshot {
	return d.snapshot.Load()
}

// Refresh queries the game server once and publishes the result. On failure the
// previous snapshot is kept.
func (d *Directory) Refresh(ctx context.Context) error {
	resp, err := d.querier.Query(ctx)
	if err != nil {
		return fmt.Errorf("failed to query game server: %w", err)
	}

	d.publish(resp)

	return nil
}

func (d *Directory) loop(ctx context.Context, stop <-chan struct{}) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.poll(ctx, stop)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll(ctx, stop)
		}
	}
}

func (d *Directory) poll(ctx context.Context, stop <-chan struct{}) {
	resp, err := d.querier.Query(ctx)
	if err != nil {
		d.log.WithError(err).Warn("Failed to poll game server, keeping previous snapshot")
		return
	}

	// A poll that finishes after Disable must not resurrect the snapshot.
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-stop:
		return
	default:
	}

	d.publish(resp)
}

func (d *Directory) publish(resp gamequery.Response) {
	snap := newSnapshot(resp, time.Now())
	d.snapshot.Store(snap)

	d.metrics.GamePlayers.WithLabelValues(d.cfg.Name).Set(float64(snap.Len()))
	d.log.WithFields(logrus.Fields{
		"players": snap.Len(),
		"map":     snap.Map,
	}).Debug("Refreshed player snapshot")
}
