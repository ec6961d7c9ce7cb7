// Package metrics exposes Prometheus instrumentation for the team switcher.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "ts_team_switcher"

// Metrics contains all Prometheus metrics for the service.
type Metrics struct {
	// Game server query metrics
	GameQueries     *prometheus.CounterVec
	GameParseErrors *prometheus.CounterVec
	GamePlayers     *prometheus.GaugeVec

	// Player directory metrics
	DirectoryPolling *prometheus.GaugeVec

	// Reconciler metrics
	ReconcileTicks   *prometheus.CounterVec
	ConfirmedPlayers *prometheus.GaugeVec
	Moves            *prometheus.CounterVec
	MoveFailures     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		GameQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "game_queries_total",
			Help:      "Total number of teamstatus queries sent to game servers",
		}, []string{"server", "result"}),
		GameParseErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "game_parse_errors_total",
			Help:      "Total number of teamstatus rows that could not be decoded",
		}, []string{"server"}),
		GamePlayers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "game_players",
			Help:      "Players in the latest game server snapshot",
		}, []string{"server"}),
		DirectoryPolling: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_polling",
			Help:      "Whether the game server is currently being polled (1) or idle (0)",
		}, []string{"server"}),
		ReconcileTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_ticks_total",
			Help:      "Total number of reconciliation ticks by outcome",
		}, []string{"server", "result"}),
		ConfirmedPlayers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "confirmed_players",
			Help:      "Voice users confirmed as playing in the last reconciliation tick",
		}, []string{"server"}),
		Moves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moves_total",
			Help:      "Total number of voice clients moved into a team channel",
		}, []string{"server", "team"}),
		MoveFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "move_failures_total",
			Help:      "Total number of failed batch move commands",
		}, []string{"server", "team"}),
		gatherer: reg,
	}
}

// Serve exposes the metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, log logrus.FieldLogger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Metrics server forced to shutdown")
		}
	}()

	log.WithField("address", addr).Info("Serving metrics")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve metrics: %w", err)
	}

	return nil
}
