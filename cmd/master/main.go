// Command master runs the Lattice Master: the control plane that pairs
// agents, persists fleet state, dispatches commands over websocket and
// HTTP long-poll, and multiplexes interactive terminal sessions back to
// UI clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	cron "github.com/robfig/cron/v3"

	"github.com/illyvia/lattice/internal/agentsession"
	"github.com/illyvia/lattice/internal/httpapi"
	"github.com/illyvia/lattice/internal/logging"
	"github.com/illyvia/lattice/internal/masterconfig"
	"github.com/illyvia/lattice/internal/metrics"
	"github.com/illyvia/lattice/internal/notify"
	"github.com/illyvia/lattice/internal/router"
	"github.com/illyvia/lattice/internal/store"
	"github.com/illyvia/lattice/internal/terminal"
)

var version = "dev"
var commit = "unknown"

func main() {
	cfg := masterconfig.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	log.Info("starting lattice master", "version", version, "commit", commit)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open store", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer st.Close()

	if n, err := st.FailUnfinishedOperations("Master restarted before operation dispatch"); err != nil {
		log.Error("startup operation sweep failed", "error", err)
	} else if n > 0 {
		log.Warn("startup sweep failed unfinished operations", "count", n)
	}

	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.MQTTBrokerURL != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBrokerURL, "lattice/events", "", "", "", 0))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBrokerURL)
	}
	notifier := notify.NewMulti(log, notifiers...)

	rt := router.New()
	term := terminal.New()

	agentHandler := agentsession.New(st, rt, term, notifier, log)
	apiHandler := httpapi.New(st, rt, term, notifier, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/ws/agent", agentHandler)
	mux.Handle("/", apiHandler)

	httpSrv := &http.Server{Handler: mux}
	go func() {
		addr := cfg.HTTPAddr
		log.Info("http api listening", "addr", addr)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error("failed to bind http address", "error", err, "addr", addr)
			os.Exit(1)
		}
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = metricsSrv.Shutdown(context.Background())
		}()
	}

	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() {
		runWithRecover(log, "stale-operation-sweep", func() {
			n, err := st.FailStaleOperations(cfg.StaleOperationAfter())
			if err != nil {
				log.Error("stale operation sweep failed", "error", err)
				return
			}
			if n > 0 {
				metrics.StaleOperationsReaped.Add(float64(n))
				log.Info("stale operation sweep reaped operations", "count", n)
			}
		})
	}); err != nil {
		log.Error("failed to schedule stale-operation sweep", "error", err)
	}
	if _, err := c.AddFunc("@daily", func() {
		runWithRecover(log, "log-retention-sweep", func() {
			n, err := st.TrimOldLogs(cfg.LogRetention())
			if err != nil {
				log.Error("log retention sweep failed", "error", err)
				return
			}
			if n > 0 {
				log.Info("log retention sweep trimmed entries", "count", n)
			}
		})
	}); err != nil {
		log.Error("failed to schedule log retention sweep", "error", err)
	}
	c.Start()
	defer c.Stop()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshConnectionMetrics(st, rt)
			}
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
}

// runWithRecover runs fn, logging and swallowing any panic so one failed
// maintenance sweep never kills the cron scheduler's goroutine.
func runWithRecover(log *logging.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in scheduled task", "task", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

func refreshConnectionMetrics(st *store.Store, rt *router.Router) {
	metrics.ActiveAgentConnections.Set(float64(rt.ActiveConnectionCount()))

	nodes, err := st.ListNodes()
	if err != nil {
		return
	}
	counts := map[string]int{}
	depth := 0
	for _, n := range nodes {
		counts[n.State]++
		depth += rt.OutboundDepth(n.ID)
	}
	for state, count := range counts {
		metrics.NodesByState.WithLabelValues(state).Set(float64(count))
	}
	metrics.WSOutboundQueueDepth.Set(float64(depth))
}
