// Package discord posts team lineups of watched game servers to a Discord channel.
package discord

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/samcm/ts-team-switcher/internal/switcher"
)

// Config holds Discord bot settings.
type Config struct {
	Token     string
	ChannelID string
}

// Service defines the Discord service interface.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
	Report(ctx context.Context, plan *switcher.Plan)
}

// messenger is the part of the Discord session used to post lineups.
type messenger interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type service struct {
	log     logrus.FieldLogger
	cfg     Config
	session *discordgo.Session

	// Owned by the publish loop.
	messenger    messenger
	botID        string
	messageIDs   map[string]string // server -> status message
	fingerprints map[string]uint64 // server -> last posted lineup

	pendingMu sync.Mutex
	pending   map[string]*switcher.Plan // latest unpublished plan per server
	wake      chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a new Discord service.
func NewService(log logrus.FieldLogger, cfg Config) Service {
	return newService(log, cfg)
}

func newService(log logrus.FieldLogger, cfg Config) *service {
	return &service{
		log:          log.WithField("component", "discord"),
		cfg:          cfg,
		messageIDs:   make(map[string]string),
		fingerprints: make(map[string]uint64),
		pending:      make(map[string]*switcher.Plan),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start connects to Discord and starts publishing reports.
func (s *service) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + s.cfg.Token)
	if err != nil {
		return fmt.Errorf("failed to create Discord session: %w", err)
	}

	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}

	s.session = session
	s.log.Info("Connected to Discord")

	var botID string
	if session.State != nil && session.State.User != nil {
		botID = session.State.User.ID
	}

	s.run(ctx, session, botID)

	return nil
}

// run starts the publish loop.
func (s *service) run(ctx context.Context, m messenger, botID string) {
	s.messenger = m
	s.botID = botID

	s.wg.Add(1)

	go s.loop(ctx)
}

// Stop stops publishing and disconnects from Discord.
func (s *service) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()

	if s.session != nil {
		s.session.Close()
		s.session = nil
		s.log.Info("Disconnected from Discord")
	}

	return nil
}

// Report queues the lineup of a server for publishing and returns immediately.
// Only the latest plan per server is kept.
func (s *service) Report(ctx context.Context, plan *switcher.Plan) {
	s.pendingMu.Lock()
	s.pending[plan.Server] = plan
	s.pendingMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *service) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.wake:
			s.flush(ctx)
		}
	}
}

// flush publishes every queued plan whose lineup changed since it was last posted.
func (s *service) flush(ctx context.Context) {
	s.pendingMu.Lock()
	plans := s.pending
	s.pending = make(map[string]*switcher.Plan, len(plans))
	s.pendingMu.Unlock()

	servers := make([]string, 0, len(plans))
	for server := range plans {
		servers = append(servers, server)
	}

	sort.Strings(servers)

	for _, server := range servers {
		plan := plans[server]

		fp := fingerprint(plan)
		if last, ok := s.fingerprints[server]; ok && last == fp {
			continue
		}

		if err := s.publish(ctx, plan); err != nil {
			s.log.WithError(err).WithField("server", server).Warn("Failed to update lineup message")
			continue
		}

		s.fingerprints[server] = fp
	}
}

// publish edits the server's status message, finding or creating it first.
func (s *service) publish(ctx context.Context, plan *switcher.Plan) error {
	embed := buildEmbed(plan)

	id, ok := s.messageIDs[plan.Server]
	if !ok {
		var err error

		id, err = s.findOrCreateMessage(ctx, embed)
		if err != nil {
			return err
		}

		s.messageIDs[plan.Server] = id

		return nil
	}

	_, err := s.messenger.ChannelMessageEditEmbed(s.cfg.ChannelID, id, embed, discordgo.WithContext(ctx))
	if err != nil {
		// The message may have been deleted; look it up again next time.
		delete(s.messageIDs, plan.Server)
		return fmt.Errorf("failed to update status message: %w", err)
	}

	return nil
}

// findOrCreateMessage searches for an existing message from this bot with the same
// title or creates a new one.
func (s *service) findOrCreateMessage(ctx context.Context, embed *discordgo.MessageEmbed) (string, error) {
	messages, err := s.messenger.ChannelMessages(s.cfg.ChannelID, 50, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to fetch channel messages: %w", err)
	}

	for _, msg := range messages {
		if msg.Author == nil || msg.Author.ID != s.botID || len(msg.Embeds) == 0 || msg.Embeds[0].Title != embed.Title {
			continue
		}

		if _, err := s.messenger.ChannelMessageEditEmbed(s.cfg.ChannelID, msg.ID, embed, discordgo.WithContext(ctx)); err != nil {
			return "", fmt.Errorf("failed to update status message: %w", err)
		}

		s.log.WithField("message_id", msg.ID).Info("Found existing status message")

		return msg.ID, nil
	}

	msg, err := s.messenger.ChannelMessageSendEmbed(s.cfg.ChannelID, embed, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to create status message: %w", err)
	}

	s.log.WithField("message_id", msg.ID).Info("Created new status message")

	return msg.ID, nil
}

// buildEmbed creates a Discord embed from a reconciliation plan.
func buildEmbed(plan *switcher.Plan) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:     plan.Server,
		Timestamp: time.Now().Format(time.RFC3339),
		Author: &discordgo.MessageEmbedAuthor{
			Name: "Team Switcher",
		},
	}

	if plan.Interesting == 0 {
		embed.Description = "*Nobody is waiting in a listening channel*"
		embed.Color = 0x95A5A6 // Gray - idle
		return embed
	}

	switch {
	case !plan.QuorumMet:
		embed.Color = 0xFAA61A // Orange - waiting for players
	default:
		embed.Color = 0x2ECC71 // Green - switching
	}

	teams := [switcher.NumTeams][]string{}
	for _, m := range plan.Confirmed {
		teams[m.Player.Team] = append(teams[m.Player.Team], m.Client.Nickname)
	}

	var fields []*discordgo.MessageEmbedField

	for _, team := range []int{1, 2, 0} {
		if len(teams[team]) == 0 {
			continue
		}

		sort.Strings(teams[team])

		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   teamLabel(team),
			Value:  strings.Join(teams[team], "\n"),
			Inline: team != 0,
		})
	}

	embed.Fields = fields

	footer := fmt.Sprintf("%d of %d listening users in game", len(plan.Confirmed), plan.Interesting)
	if !plan.QuorumMet {
		footer += " • waiting for more players"
	} else if moved := movedCount(plan); moved > 0 {
		footer += fmt.Sprintf(" • moved %d", moved)
	}

	embed.Footer = &discordgo.MessageEmbedFooter{
		Text: footer,
	}

	return embed
}

func teamLabel(team int) string {
	if team == 0 {
		return "Connecting"
	}

	return fmt.Sprintf("Team %d", team)
}

func movedCount(plan *switcher.Plan) int {
	n := 0

	for _, b := range plan.Batches {
		if b.Applied {
			n += len(b.Members)
		}
	}

	return n
}

// fingerprint summarises the parts of a plan shown in the embed. Move counts are
// left out so a tick that converges does not trigger another edit.
func fingerprint(plan *switcher.Plan) uint64 {
	lines := make([]string, 0, len(plan.Confirmed))
	for _, m := range plan.Confirmed {
		lines = append(lines, fmt.Sprintf("%d:%s", m.Player.Team, m.Client.Nickname))
	}

	sort.Strings(lines)

	d := xxhash.New()
	fmt.Fprintf(d, "%s|%d|%t|", plan.Server, plan.Interesting, plan.QuorumMet)
	_, _ = d.WriteString(strings.Join(lines, ","))

	return d.Sum64()
}
