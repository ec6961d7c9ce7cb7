// Package bridge wires the voice server, the watched game servers and the announcer together.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/samcm/ts-team-switcher/internal/config"
	"github.com/samcm/ts-team-switcher/internal/discord"
	"github.com/samcm/ts-team-switcher/internal/gamequery"
	"github.com/samcm/ts-team-switcher/internal/metrics"
	"github.com/samcm/ts-team-switcher/internal/players"
	"github.com/samcm/ts-team-switcher/internal/switcher"
	"github.com/samcm/ts-team-switcher/internal/teamspeak"
)

// Config holds bridge configuration.
type Config struct {
	Interval time.Duration
	Servers  []config.ServerConfig
}

// Service defines the bridge service interface.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
	DryRun(ctx context.Context) ([]*switcher.Plan, error)
}

// QuerierFactory opens a query client for one game server.
type QuerierFactory func(ctx context.Context, log logrus.FieldLogger, cfg gamequery.Config, m *metrics.Metrics) (gamequery.Querier, error)

type watcher struct {
	name      string
	directory *players.Directory
	switcher  switcher.Service
}

type service struct {
	log        logrus.FieldLogger
	cfg        Config
	teamspeak  teamspeak.Service
	roster     switcher.Roster
	discord    discord.Service
	metrics    *metrics.Metrics
	newQuerier QuerierFactory
	watchers   []*watcher
	mu         sync.Mutex
}

// NewService creates a new bridge service. dc may be nil when Discord is disabled.
func NewService(log logrus.FieldLogger, cfg Config, ts teamspeak.Service, roster switcher.Roster, dc discord.Service, m *metrics.Metrics) Service {
	return newService(log, cfg, ts, roster, dc, m, gamequery.New)
}

func newService(log logrus.FieldLogger, cfg Config, ts teamspeak.Service, roster switcher.Roster, dc discord.Service, m *metrics.Metrics, qf QuerierFactory) *service {
	return &service{
		log:        log.WithField("component", "bridge"),
		cfg:        cfg,
		teamspeak:  ts,
		roster:     roster,
		discord:    dc,
		metrics:    m,
		newQuerier: qf,
	}
}

// Start connects to the voice server and starts one reconciler per watched server.
func (s *service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Start TeamSpeak connection
	if err := s.teamspeak.Start(ctx); err != nil {
		return fmt.Errorf("failed to start TeamSpeak service: %w", err)
	}

	// Start Discord connection
	if s.discord != nil {
		if err := s.discord.Start(ctx); err != nil {
			s.teamspeak.Stop()
			return fmt.Errorf("failed to start Discord service: %w", err)
		}
	}

	s.checkChannels(ctx)

	if err := s.build(ctx); err != nil {
		s.shutdown()
		return err
	}

	for _, w := range s.watchers {
		if err := w.switcher.Start(ctx); err != nil {
			s.shutdown()
			return fmt.Errorf("failed to start switcher for %s: %w", w.name, err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"interval": s.cfg.Interval,
		"servers":  len(s.watchers),
	}).Info("Bridge started")

	return nil
}

// Stop stops every reconciler, closes the game server clients and disconnects services.
func (s *service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shutdown()
	s.log.Info("Bridge stopped")

	return nil
}

// DryRun queries every watched server once and returns the moves the next tick
// would make. Nothing is moved and no reconciler is started.
func (s *service) DryRun(ctx context.Context) ([]*switcher.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.teamspeak.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to TeamSpeak: %w", err)
	}

	defer s.shutdown()

	if err := s.build(ctx); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, w := range s.watchers {
		g.Go(func() error {
			if err := w.directory.Refresh(gctx); err != nil {
				// The plan is still useful: these players show as not in game.
				s.log.WithError(err).WithField("server", w.name).Warn("Failed to query game server")
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	plans := make([]*switcher.Plan, 0, len(s.watchers))

	for _, w := range s.watchers {
		plan, err := w.switcher.Plan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to plan %s: %w", w.name, err)
		}

		plans = append(plans, plan)
	}

	return plans, nil
}

// build creates the directory and reconciler of every watched server. A server
// whose query client cannot be opened is logged and skipped.
func (s *service) build(ctx context.Context) error {
	var reporter switcher.Reporter
	if s.discord != nil {
		reporter = s.discord
	}

	for _, sc := range s.cfg.Servers {
		log := s.log.WithField("server", sc.Name)

		teams, err := teamChannels(sc)
		if err != nil {
			log.WithError(err).Error("Invalid team channels, not watching server")
			continue
		}

		q, err := s.newQuerier(ctx, s.log, gamequery.Config{
			Name:     sc.Name,
			Host:     sc.Host,
			Port:     sc.Port,
			Password: sc.Password,
			Timeout:  sc.QueryTimeout,
			Mode:     sc.QueryMode,
		}, s.metrics)
		if err != nil {
			log.WithError(err).Error("Failed to open game server query client, not watching server")
			continue
		}

		dir := players.NewDirectory(s.log, players.Config{
			Name:         sc.Name,
			PollInterval: sc.PollInterval,
		}, q, s.metrics)

		sw := switcher.NewService(s.log, switcher.Config{
			Name:              sc.Name,
			Interval:          s.cfg.Interval,
			MinimumPlayers:    sc.MinimumPlayers,
			ListeningChannels: switcher.NewChannelSet(sc.ListeningChannels...),
			Teams:             teams,
		}, s.teamspeak, dir, s.roster, reporter, s.metrics)

		s.watchers = append(s.watchers, &watcher{
			name:      sc.Name,
			directory: dir,
			switcher:  sw,
		})
	}

	if len(s.watchers) == 0 {
		return errors.New("no game server could be watched")
	}

	return nil
}

// shutdown must be called with s.mu held.
func (s *service) shutdown() {
	for _, w := range s.watchers {
		if err := w.switcher.Stop(); err != nil {
			s.log.WithError(err).WithField("server", w.name).Warn("Failed to stop switcher")
		}
	}

	var g errgroup.Group

	for _, w := range s.watchers {
		g.Go(func() error {
			if err := w.directory.Close(); err != nil {
				s.log.WithError(err).WithField("server", w.name).Warn("Failed to close player directory")
			}

			return nil
		})
	}

	_ = g.Wait()
	s.watchers = nil

	if s.discord != nil {
		if err := s.discord.Stop(); err != nil {
			s.log.WithError(err).Warn("Failed to stop Discord service")
		}
	}

	if err := s.teamspeak.Stop(); err != nil {
		s.log.WithError(err).Warn("Failed to stop TeamSpeak service")
	}
}

// checkChannels warns about configured channels that do not exist on the voice server.
func (s *service) checkChannels(ctx context.Context) {
	channels, err := s.teamspeak.ListChannels(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to list channels, skipping channel check")
		return
	}

	known := switcher.NewChannelSet()
	for _, ch := range channels {
		known[ch.ID] = struct{}{}
	}

	for _, sc := range s.cfg.Servers {
		for _, id := range sc.ListeningChannels {
			if !known.Contains(id) {
				s.log.WithFields(logrus.Fields{
					"server":  sc.Name,
					"channel": id,
				}).Warn("Listening channel does not exist")
			}
		}

		for team, tc := range sc.Teams {
			if !known.Contains(tc.Channel) {
				s.log.WithFields(logrus.Fields{
					"server":  sc.Name,
					"team":    team,
					"channel": tc.Channel,
				}).Warn("Team channel does not exist")
			}
		}
	}
}

func teamChannels(sc config.ServerConfig) (switcher.TeamChannels, error) {
	targets := make(map[int]switcher.Target, len(sc.Teams))
	for team, tc := range sc.Teams {
		targets[team] = switcher.Target{Channel: tc.Channel, Password: tc.Password}
	}

	return switcher.NewTeamChannels(targets)
}
