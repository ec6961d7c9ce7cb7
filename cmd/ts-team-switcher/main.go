// Package main provides the entry point for ts-team-switcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/samcm/ts-team-switcher/internal/bridge"
	"github.com/samcm/ts-team-switcher/internal/config"
	"github.com/samcm/ts-team-switcher/internal/discord"
	"github.com/samcm/ts-team-switcher/internal/gamequery"
	"github.com/samcm/ts-team-switcher/internal/metrics"
	"github.com/samcm/ts-team-switcher/internal/roster"
	"github.com/samcm/ts-team-switcher/internal/switcher"
	"github.com/samcm/ts-team-switcher/internal/teamspeak"
)

var (
	configPath string
	rosterPath string
	envFile    string
	dryRun     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ts-team-switcher",
	Short: "Move TeamSpeak users into their in-game team's channel",
	Long:  "Polls game servers for their team lineup and moves registered TeamSpeak users into the voice channel of their team.",
	RunE:  run,
}

var teamstatusCmd = &cobra.Command{
	Use:   "teamstatus <server>",
	Short: "Query one game server and print its player table",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeamStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (required)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file before reading the configuration")
	rootCmd.Flags().StringVar(&rosterPath, "roster", "", "Path to the GUID=identity roster file (overrides roster in the configuration)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Query every server once and print the moves that would be made, without moving anyone")

	rootCmd.MarkPersistentFlagRequired("config")
	rootCmd.AddCommand(teamstatusCmd)
}

// setup loads the environment and configuration and builds the logger.
func setup() (*config.Config, *logrus.Logger, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return cfg, log, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	if rosterPath != "" {
		cfg.Roster = rosterPath
	}

	servers, errs := cfg.Watched()
	for _, err := range errs {
		log.WithError(err).Error("Invalid server configuration, not watching it")
	}

	if len(servers) == 0 {
		return errors.New("no valid game server configured")
	}

	rosterStore, err := roster.NewStore(log, cfg.Roster)
	if err != nil {
		return fmt.Errorf("failed to load roster: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Create TeamSpeak service
	tsService := teamspeak.NewService(log, teamspeak.Config{
		Host:              cfg.TeamSpeak.Host,
		QueryPort:         cfg.TeamSpeak.QueryPort,
		Username:          cfg.TeamSpeak.Username,
		Password:          cfg.TeamSpeak.Password,
		ServerID:          cfg.TeamSpeak.ServerID,
		Nickname:          cfg.TeamSpeak.Nickname,
		CommandsPerSecond: cfg.TeamSpeak.CommandsPerSecond,
		CommandBurst:      cfg.TeamSpeak.CommandBurst,
	})

	bridgeCfg := bridge.Config{
		Interval: cfg.TeamSpeak.PollInterval,
		Servers:  servers,
	}

	if dryRun {
		return runDryRun(cmd.Context(), log, bridge.NewService(log, bridgeCfg, tsService, rosterStore, nil, m))
	}

	// Create Discord service
	var dcService discord.Service
	if cfg.Discord.Enabled() {
		dcService = discord.NewService(log, discord.Config{
			Token:     cfg.Discord.Token,
			ChannelID: cfg.Discord.ChannelID,
		})
	}

	bridgeService := bridge.NewService(log, bridgeCfg, tsService, rosterStore, dcService, m)

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				if err := rosterStore.Reload(); err != nil {
					log.WithError(err).Error("Failed to reload roster, keeping the previous one")
				}

				continue
			}

			log.Info("Received shutdown signal")
			cancel()

			return
		}
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := m.Serve(ctx, log, cfg.Metrics.Address); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	// Start bridge
	if err := bridgeService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	// Wait for context cancellation
	<-ctx.Done()

	// Stop bridge
	if err := bridgeService.Stop(); err != nil {
		log.WithError(err).Warn("Error stopping bridge")
	}

	log.Info("Shutdown complete")

	return nil
}

// runDryRun prints the moves the next tick would make on every watched server.
func runDryRun(ctx context.Context, log logrus.FieldLogger, b bridge.Service) error {
	log.Info("Running in dry-run mode")

	plans, err := b.DryRun(ctx)
	if err != nil {
		return err
	}

	for _, plan := range plans {
		printPlan(plan)
	}

	return nil
}

func printPlan(plan *switcher.Plan) {
	fmt.Println()
	fmt.Printf("== %s ==\n", plan.Server)
	fmt.Printf("  %d listening, %d in game, quorum met: %t\n", plan.Interesting, len(plan.Confirmed), plan.QuorumMet)

	for _, m := range plan.Confirmed {
		fmt.Printf("  • %-30s team %d (%s)\n", truncate(m.Client.Nickname, 30), m.Player.Team, m.Player.Name)
	}

	if len(plan.Batches) == 0 {
		fmt.Println("  No moves")
		return
	}

	for _, b := range plan.Batches {
		names := make([]string, 0, len(b.Members))
		for _, m := range b.Members {
			names = append(names, m.Client.Nickname)
		}

		prefix := "would move"
		if !plan.QuorumMet {
			prefix = "would move once quorum is met"
		}

		fmt.Printf("  %s team %d to channel %d: %s\n", prefix, b.Team, b.Target.Channel, strings.Join(names, ", "))
	}
}

func runTeamStatus(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	var sc *config.ServerConfig

	for i := range cfg.Servers {
		if cfg.Servers[i].Name == args[0] {
			sc = &cfg.Servers[i]
			break
		}
	}

	if sc == nil {
		return fmt.Errorf("server %q is not configured", args[0])
	}

	if err := sc.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	qcfg := gamequery.Config{
		Name:     sc.Name,
		Host:     sc.Host,
		Port:     sc.Port,
		Password: sc.Password,
		Timeout:  sc.QueryTimeout,
		Mode:     sc.QueryMode,
	}

	q, err := gamequery.New(cmd.Context(), log, qcfg, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		return fmt.Errorf("failed to open query client: %w", err)
	}

	defer q.Close()

	resp, err := q.Query(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", sc.Name, err)
	}

	fmt.Println()
	fmt.Printf("%s (%s) map: %s\n", sc.Name, qcfg.Address(), resp.Map)
	fmt.Printf("%4s %5s %4s %-20s %-24s %4s %s\n", "id", "score", "ping", "guid", "name", "team", "address")

	for _, p := range resp.Players {
		fmt.Printf("%4d %5d %4d %-20d %-24s %4d %s\n", p.ID, p.Score, p.Ping, p.GUID, truncate(p.Name, 24), p.Team, p.Address)
	}

	fmt.Printf("%d players\n", len(resp.Players))

	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	return s[:max-3] + "..."
}
