// Package switcher moves TeamSpeak users into the voice channel of their in-game team.
package switcher

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/samcm/ts-team-switcher/internal/gamequery"
	"github.com/samcm/ts-team-switcher/internal/metrics"
	"github.com/samcm/ts-team-switcher/internal/teamspeak"
)

// VoiceDirectory lists and moves voice clients.
type VoiceDirectory interface {
	ListClients(ctx context.Context) ([]teamspeak.Client, error)
	MoveClients(ctx context.Context, ids []int, channelID int, password string) error
}

// PlayerDirectory serves the players of one game server.
type PlayerDirectory interface {
	Enable(ctx context.Context)
	Disable()
	Player(guid int64) (gamequery.Player, bool)
}

// Roster resolves TeamSpeak identities to game GUIDs.
type Roster interface {
	GUID(identity string) (int64, bool)
}

// Reporter receives the plan of every completed tick.
type Reporter interface {
	Report(ctx context.Context, plan *Plan)
}

// Config holds reconciler settings for one watched game server.
type Config struct {
	Name              string
	Interval          time.Duration
	MinimumPlayers    int
	ListeningChannels ChannelSet
	Teams             TeamChannels
}

// Member is a voice client confirmed to be playing on the game server.
type Member struct {
	Client teamspeak.Client
	Player gamequery.Player
}

// Batch is the set of clients moved into one team channel with a single command.
type Batch struct {
	Team    int
	Target  Target
	Members []Member
	Applied bool
	Err     error
}

// IDs returns the connection ids of the batch members.
func (b *Batch) IDs() []int {
	ids := make([]int, 0, len(b.Members))
	for _, m := range b.Members {
		ids = append(ids, m.Client.ID)
	}

	return ids
}

// Plan is the outcome of matching voice clients against game players.
type Plan struct {
	Server      string
	Interesting int
	Confirmed   []Member
	Batches     []*Batch
	QuorumMet   bool
}

// Moves returns the number of clients the plan would move.
func (p *Plan) Moves() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b.Members)
	}

	return n
}

// Service defines the reconciler service interface.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
	Tick(ctx context.Context) (*Plan, error)
	Plan(ctx context.Context) (*Plan, error)
}

type service struct {
	log      logrus.FieldLogger
	cfg      Config
	voice    VoiceDirectory
	players  PlayerDirectory
	roster   Roster
	reporter Reporter
	metrics  *metrics.Metrics
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a reconciler for one game server. reporter may be nil.
func NewService(log logrus.FieldLogger, cfg Config, voice VoiceDirectory, players PlayerDirectory, roster Roster, reporter Reporter, m *metrics.Metrics) Service {
	return &service{
		log: log.WithFields(logrus.Fields{
			"component": "switcher",
			"server":    cfg.Name,
		}),
		cfg:      cfg,
		voice:    voice,
		players:  players,
		roster:   roster,
		reporter: reporter,
		metrics:  m,
		done:     make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (s *service) Start(ctx context.Context) error {
	s.wg.Add(1)

	go s.loop(ctx)

	s.log.WithFields(logrus.Fields{
		"interval":        s.cfg.Interval,
		"minimum_players": s.cfg.MinimumPlayers,
	}).Info("Team switcher started")

	return nil
}

// Stop stops the loop and waits for a running tick to finish.
func (s *service) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()

	s.players.Disable()
	s.log.Info("Team switcher stopped")

	return nil
}

// loop runs the periodic reconciliation loop.
func (s *service) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.log.WithError(err).Warn("Reconciliation failed")
			}
		}
	}
}

// Tick runs one reconciliation: list voice clients, toggle game server polling,
// plan team moves and issue one move command per team.
func (s *service) Tick(ctx context.Context) (*Plan, error) {
	interesting, err := s.interesting(ctx)
	if err != nil {
		s.metrics.ReconcileTicks.WithLabelValues(s.cfg.Name, "error").Inc()
		return nil, err
	}

	if len(interesting) == 0 {
		// Nobody relevant is listening; stop querying the game server.
		s.players.Disable()
		s.metrics.ReconcileTicks.WithLabelValues(s.cfg.Name, "idle").Inc()
		s.metrics.ConfirmedPlayers.WithLabelValues(s.cfg.Name).Set(0)

		plan := &Plan{Server: s.cfg.Name}
		s.report(ctx, plan)

		return plan, nil
	}

	s.players.Enable(ctx)

	plan := s.plan(interesting)
	s.metrics.ConfirmedPlayers.WithLabelValues(s.cfg.Name).Set(float64(len(plan.Confirmed)))

	if !plan.QuorumMet {
		s.log.WithFields(logrus.Fields{
			"confirmed": len(plan.Confirmed),
			"minimum":   s.cfg.MinimumPlayers,
		}).Debug("Not enough confirmed players to switch")
		s.metrics.ReconcileTicks.WithLabelValues(s.cfg.Name, "below_quorum").Inc()
		s.report(ctx, plan)

		return plan, nil
	}

	s.apply(ctx, plan)
	s.metrics.ReconcileTicks.WithLabelValues(s.cfg.Name, "ok").Inc()
	s.report(ctx, plan)

	return plan, nil
}

// Plan computes the moves the next tick would make without issuing them or
// toggling game server polling.
func (s *service) Plan(ctx context.Context) (*Plan, error) {
	interesting, err := s.interesting(ctx)
	if err != nil {
		return nil, err
	}

	return s.plan(interesting), nil
}

// interesting returns the voice clients that are in the roster and sit in a
// listening channel of this server.
func (s *service) interesting(ctx context.Context) ([]teamspeak.Client, error) {
	clients, err := s.voice.ListClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list voice clients: %w", err)
	}

	var out []teamspeak.Client

	for _, c := range clients {
		if !s.cfg.ListeningChannels.Contains(c.ChannelID) {
			continue
		}

		if _, ok := s.roster.GUID(c.UniqueID); !ok {
			continue
		}

		out = append(out, c)
	}

	return out, nil
}

func (s *service) plan(interesting []teamspeak.Client) *Plan {
	plan := &Plan{
		Server:      s.cfg.Name,
		Interesting: len(interesting),
	}

	var batches [NumTeams]*Batch

	for _, c := range interesting {
		guid, ok := s.roster.GUID(c.UniqueID)
		if !ok {
			// Roster was reloaded between filtering and planning.
			continue
		}

		player, ok := s.players.Player(guid)
		if !ok {
			continue
		}

		if !validTeam(player.Team) {
			s.log.WithFields(logrus.Fields{
				"guid": guid,
				"team": player.Team,
			}).Warn("Ignoring player with invalid team")

			continue
		}

		member := Member{Client: c, Player: player}
		plan.Confirmed = append(plan.Confirmed, member)

		target, ok := s.cfg.Teams.Target(player.Team)
		if !ok || target.Channel == c.ChannelID {
			continue
		}

		if batches[player.Team] == nil {
			batches[player.Team] = &Batch{Team: player.Team, Target: target}
		}

		batches[player.Team].Members = append(batches[player.Team].Members, member)
	}

	plan.QuorumMet = len(plan.Confirmed) >= s.cfg.MinimumPlayers

	for _, b := range batches {
		if b != nil {
			plan.Batches = append(plan.Batches, b)
		}
	}

	return plan
}

// apply issues one move command per team. A failed batch does not stop the others.
func (s *service) apply(ctx context.Context, plan *Plan) {
	for _, b := range plan.Batches {
		team := strconv.Itoa(b.Team)

		if err := s.voice.MoveClients(ctx, b.IDs(), b.Target.Channel, b.Target.Password); err != nil {
			b.Err = err
			s.metrics.MoveFailures.WithLabelValues(s.cfg.Name, team).Inc()
			s.log.WithError(err).WithFields(logrus.Fields{
				"team":    b.Team,
				"channel": b.Target.Channel,
			}).Warn("Failed to move team")

			continue
		}

		b.Applied = true
		s.metrics.Moves.WithLabelValues(s.cfg.Name, team).Add(float64(len(b.Members)))
		s.log.WithFields(logrus.Fields{
			"team":    b.Team,
			"channel": b.Target.Channel,
			"clients": len(b.Members),
		}).Info("Moved team into its channel")
	}
}

func (s *service) report(ctx context.Context, plan *Plan) {
	if s.reporter != nil {
		s.reporter.Report(ctx, plan)
	}
}
