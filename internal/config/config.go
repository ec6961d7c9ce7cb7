// Package config handles loading and validation of application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Team indexes understood by the game server. Team 0 is pre-match/connecting.
const (
	TeamConnecting = 0
	TeamOne        = 1
	TeamTwo        = 2
)

// Query modes for game servers.
const (
	QueryModeSync   = "sync"
	QueryModeStream = "stream"
)

// Config represents the complete application configuration.
type Config struct {
	TeamSpeak TeamSpeakConfig `yaml:"teamspeak"`
	Roster    string          `yaml:"roster"`
	Servers   []ServerConfig  `yaml:"servers"`
	Discord   DiscordConfig   `yaml:"discord"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TeamSpeakConfig holds TeamSpeak ServerQuery connection settings.
type TeamSpeakConfig struct {
	Host              string        `yaml:"host"`
	QueryPort         int           `yaml:"query_port"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	ServerID          int           `yaml:"server_id"`
	Nickname          string        `yaml:"nickname"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	CommandsPerSecond float64       `yaml:"commands_per_second"` // ServerQuery flood protection
	CommandBurst      int           `yaml:"command_burst"`
}

// ServerConfig holds the settings of one watched game server.
type ServerConfig struct {
	Name              string             `yaml:"name"`
	Host              string             `yaml:"host"`
	Port              int                `yaml:"port"`
	Password          string             `yaml:"password"`
	QueryMode         string             `yaml:"query_mode"`
	QueryTimeout      time.Duration      `yaml:"query_timeout"`
	PollInterval      time.Duration      `yaml:"poll_interval"`
	MinimumPlayers    int                `yaml:"minimum_players"`
	ListeningChannels []int              `yaml:"listening_channels"`
	Teams             map[int]TeamConfig `yaml:"teams"`

	decodeErr error // set when the server's YAML could not be decoded
}

// TeamConfig is the voice channel a team is moved into.
type TeamConfig struct {
	Channel  int    `yaml:"channel"`
	Password string `yaml:"password"`
}

// DiscordConfig holds optional Discord announcer settings.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether the Discord announcer is configured.
func (d DiscordConfig) Enabled() bool {
	return d.Token != "" && d.ChannelID != ""
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Address string `yaml:"address"` // e.g., ":9090", empty disables the endpoint
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// UnmarshalYAML applies per-server defaults before decoding. A server that cannot be
// decoded does not fail the whole file; its error is returned by Validate.
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain ServerConfig

	out := plain{
		QueryMode:      QueryModeSync,
		QueryTimeout:   time.Second,
		PollInterval:   15 * time.Second,
		MinimumPlayers: 3,
	}

	if err := value.Decode(&out); err != nil {
		// Report the error for this server only, from Validate.
		var named struct {
			Name string `yaml:"name"`
		}

		_ = value.Decode(&named)

		*s = ServerConfig{
			Name:      named.Name,
			decodeErr: fmt.Errorf("line %d: %w", value.Line, err),
		}

		return nil
	}

	*s = ServerConfig(out)

	return nil
}

// Load reads and parses the configuration from the given file path.
// ${VAR} references are expanded from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes and validates configuration data.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		// Set defaults
		TeamSpeak: TeamSpeakConfig{
			QueryPort:         10011,
			Username:          "serveradmin",
			ServerID:          1,
			Nickname:          "Team Switcher",
			PollInterval:      5 * time.Second,
			CommandsPerSecond: 3,
			CommandBurst:      5,
		},
		Roster: "users.properties",
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the global settings. Watched servers are validated one by one with
// ServerConfig.Validate so a broken server does not stop the others.
func (c *Config) Validate() error {
	if c.TeamSpeak.Host == "" {
		return fmt.Errorf("teamspeak.host is required")
	}

	if c.TeamSpeak.Password == "" {
		return fmt.Errorf("teamspeak.password is required")
	}

	if c.TeamSpeak.PollInterval < 500*time.Millisecond {
		return fmt.Errorf("teamspeak.poll_interval must be at least 500ms")
	}

	if c.TeamSpeak.CommandsPerSecond <= 0 || c.TeamSpeak.CommandBurst < 1 {
		return fmt.Errorf("teamspeak.commands_per_second and teamspeak.command_burst must be positive")
	}

	if c.Roster == "" {
		return fmt.Errorf("roster is required")
	}

	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server is required")
	}

	if (c.Discord.Token == "") != (c.Discord.ChannelID == "") {
		return fmt.Errorf("discord.token and discord.channel_id must be set together")
	}

	return nil
}

// Validate checks the settings of one watched server.
func (s *ServerConfig) Validate() error {
	if s.decodeErr != nil {
		return fmt.Errorf("server %q: %w", s.Name, s.decodeErr)
	}

	if s.Name == "" {
		return errors.New("name is required")
	}

	if s.Host == "" {
		return fmt.Errorf("server %q: host is required", s.Name)
	}

	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server %q: port must be between 1 and 65535", s.Name)
	}

	if s.Password == "" {
		return fmt.Errorf("server %q: password is required", s.Name)
	}

	if s.QueryMode != QueryModeSync && s.QueryMode != QueryModeStream {
		return fmt.Errorf("server %q: query_mode must be %q or %q", s.Name, QueryModeSync, QueryModeStream)
	}

	if s.QueryTimeout <= 0 {
		return fmt.Errorf("server %q: query_timeout must be positive", s.Name)
	}

	if s.PollInterval < time.Second {
		return fmt.Errorf("server %q: poll_interval must be at least 1s", s.Name)
	}

	if s.QueryTimeout >= s.PollInterval {
		return fmt.Errorf("server %q: query_timeout must be shorter than poll_interval", s.Name)
	}

	if s.MinimumPlayers < 0 {
		return fmt.Errorf("server %q: minimum_players must not be negative", s.Name)
	}

	if len(s.ListeningChannels) == 0 {
		return fmt.Errorf("server %q: at least one listening channel is required", s.Name)
	}

	for team := range s.Teams {
		if team < TeamConnecting || team > TeamTwo {
			return fmt.Errorf("server %q: team %d is not one of 0, 1, 2", s.Name, team)
		}
	}

	// Team 0 is optional: connecting players are then never moved.
	for _, team := range []int{TeamOne, TeamTwo} {
		tc, ok := s.Teams[team]
		if !ok {
			return fmt.Errorf("server %q: teams.%d is required", s.Name, team)
		}

		if tc.Channel <= 0 {
			return fmt.Errorf("server %q: teams.%d.channel must be a channel id", s.Name, team)
		}
	}

	return nil
}

// Watched returns the servers that passed validation and one error for every server
// that did not. A server whose name is already taken is rejected.
func (c *Config) Watched() ([]ServerConfig, []error) {
	var (
		valid []ServerConfig
		errs  []error
		seen  = make(map[string]bool, len(c.Servers))
	)

	for i := range c.Servers {
		s := c.Servers[i]

		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("servers[%d]: %w", i, err))
			continue
		}

		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("servers[%d]: server %q is declared twice", i, s.Name))
			continue
		}

		seen[s.Name] = true
		valid = append(valid, s)
	}

	return valid, errs
}
