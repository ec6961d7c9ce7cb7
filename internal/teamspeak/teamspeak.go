package teamspeak

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ts3 "github.com/multiplay/go-ts3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// clientTypeQuery marks ServerQuery connections in the client list.
const clientTypeQuery = 1

// Config holds TeamSpeak connection settings.
type Config struct {
	Host              string
	QueryPort         int
	Username          string
	Password          string
	ServerID          int
	Nickname          string
	CommandsPerSecond float64
	CommandBurst      int
}

// Service defines the TeamSpeak service interface.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
	ListClients(ctx context.Context) ([]Client, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	MoveClients(ctx context.Context, ids []int, channelID int, password string) error
}

type service struct {
	log     logrus.FieldLogger
	cfg     Config
	client  *ts3.Client
	limiter *rate.Limiter
	mu      sync.Mutex
}

// NewService creates a new TeamSpeak service.
func NewService(log logrus.FieldLogger, cfg Config) Service {
	return &service{
		log:     log.WithField("component", "teamspeak"),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.CommandsPerSecond), cfg.CommandBurst),
	}
}

// Start connects to the TeamSpeak server.
func (s *service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connect()
}

// connect must be called with s.mu held.
func (s *service) connect() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.QueryPort)
	s.log.WithField("address", addr).Info("Connecting to TeamSpeak server")

	client, err := ts3.NewClient(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to TeamSpeak: %w", err)
	}

	if err := client.Login(s.cfg.Username, s.cfg.Password); err != nil {
		client.Close()
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	if err := client.Use(s.cfg.ServerID); err != nil {
		client.Close()
		return fmt.Errorf("failed to select virtual server %d: %w", s.cfg.ServerID, err)
	}

	if s.cfg.Nickname != "" {
		cmd := ts3.NewCmd("clientupdate").WithArgs(ts3.NewArg("client_nickname", s.cfg.Nickname))
		if _, err := client.ExecCmd(cmd); err != nil {
			s.log.WithError(err).Warn("Failed to set ServerQuery nickname")
		}
	}

	s.client = client
	s.log.Info("Connected to TeamSpeak server")

	return nil
}

// Stop disconnects from the TeamSpeak server.
func (s *service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Close()
		s.client = nil
		s.log.Info("Disconnected from TeamSpeak server")
	}

	return nil
}

// ListClients returns every voice client currently connected.
func (s *service) ListClients(ctx context.Context) ([]Client, error) {
	var online []*ts3.OnlineClient

	err := s.exec(ctx, func(c *ts3.Client) error {
		var err error
		online, err = c.Server.ClientList(ts3.ClientUID)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get client list: %w", err)
	}

	clients := make([]Client, 0, len(online))

	for _, cl := range online {
		// Skip ServerQuery clients
		if cl.Type == clientTypeQuery {
			continue
		}

		if cl.OnlineClientExt == nil || cl.UniqueIdentifier == nil || *cl.UniqueIdentifier == "" {
			continue
		}

		clients = append(clients, Client{
			ID:        cl.ID,
			UniqueID:  *cl.UniqueIdentifier,
			ChannelID: cl.ChannelID,
			Nickname:  cl.Nickname,
		})
	}

	return clients, nil
}

// ListChannels returns every channel on the virtual server.
func (s *service) ListChannels(ctx context.Context) ([]Channel, error) {
	var list []*ts3.Channel

	err := s.exec(ctx, func(c *ts3.Client) error {
		var err error
		list, err = c.Server.ChannelList()

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get channel list: %w", err)
	}

	channels := make([]Channel, 0, len(list))
	for _, ch := range list {
		channels = append(channels, Channel{
			ID:       ch.ID,
			Name:     ch.ChannelName,
			ParentID: ch.ParentID,
		})
	}

	return channels, nil
}

// MoveClients moves all given clients to a channel with a single command.
func (s *service) MoveClients(ctx context.Context, ids []int, channelID int, password string) error {
	if len(ids) == 0 {
		return nil
	}

	clids := make([]ts3.CmdArg, 0, len(ids))
	for _, id := range ids {
		clids = append(clids, ts3.NewArg("clid", id))
	}

	args := []ts3.CmdArg{ts3.NewArgGroup(clids...), ts3.NewArg("cid", channelID)}
	if password != "" {
		args = append(args, ts3.NewArg("cpw", password))
	}

	err := s.exec(ctx, func(c *ts3.Client) error {
		_, err := c.ExecCmd(ts3.NewCmd("clientmove").WithArgs(args...))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to move %d clients to channel %d: %w", len(ids), channelID, err)
	}

	s.log.WithFields(logrus.Fields{
		"clients": ids,
		"channel": channelID,
	}).Info("Moved clients")

	return nil
}

// exec runs fn against a connected client, reconnecting first if the previous
// session was lost. Commands are paced to stay below the server's flood limit.
func (s *service) exec(ctx context.Context, fn func(c *ts3.Client) error) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		if err := s.connect(); err != nil {
			return err
		}
	}

	err := fn(s.client)
	if err == nil {
		return nil
	}

	// A ServerQuery error id means the session is fine; anything else is transport.
	var queryErr *ts3.Error
	if !errors.As(err, &queryErr) {
		s.log.WithError(err).Warn("Lost TeamSpeak connection, reconnecting on next command")
		s.client.Close()
		s.client = nil
	}

	return err
}
