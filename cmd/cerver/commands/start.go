package commands

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ermiry/cerver/internal/logger"
	"github.com/ermiry/cerver/pkg/cerver"
	"github.com/ermiry/cerver/pkg/config"
	"github.com/ermiry/cerver/pkg/metrics"
	"github.com/ermiry/cerver/pkg/packet"
	"github.com/ermiry/cerver/pkg/version"
)

// The test-message request the echo handler answers.
const testMsg uint32 = 0

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the test-message echo cerver",
	Long: `Start a cerver running the test-message example: one APP handler
with direct handling enabled that answers every TEST_MSG with a TEST_MSG
of its own.

Use --config to point at a configuration file, or rely on the default
location. CERVER_* environment variables override keys that the file
sets; without a file the built-in defaults apply.

Examples:
  cerver start
  cerver start --config /etc/cerver/config.yaml
  CERVER_LOGGING_LEVEL=DEBUG cerver start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	version.Print()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	cerver.Init()
	defer cerver.End()

	c, err := cerver.NewCerver(cfg.Cerver)
	if err != nil {
		return err
	}

	appHandler := cerver.NewHandler("app", func(pkt *cerver.Packet) {
		switch pkt.Header.Request {
		case testMsg:
			logger.Debug("Got a test message, sending one back",
				"address", pkt.Connection.RemoteAddr())
			if err := pkt.Reply(packet.TypeApp, testMsg, nil); err != nil {
				logger.Error("Failed to send test packet", "error", err)
			}
		default:
			logger.Warn("Got an unknown app request", "request", pkt.Header.Request)
		}
	})
	appHandler.SetDirectHandle(true)
	if err := c.SetAppHandlers(appHandler, nil); err != nil {
		return err
	}

	c.RegisterEvent(cerver.EventStarted, func(e *cerver.EventData) {
		logger.Info("Cerver has started", "name", e.Cerver.Name())
	}, nil, nil, false, false)

	c.RegisterEvent(cerver.EventTeardown, func(e *cerver.EventData) {
		logger.Info("Cerver is going down", "name", e.Cerver.Name())
	}, nil, nil, false, false)

	c.RegisterEvent(cerver.EventClientConnected, func(e *cerver.EventData) {
		logger.Info("Client connected",
			"client", e.Client.ID,
			"address", e.Connection.RemoteAddr())
	}, nil, nil, false, false)

	c.RegisterEvent(cerver.EventClientCloseConnection, func(e *cerver.EventData) {
		logger.Info("Client closed a connection", "name", e.Cerver.Name())
	}, nil, nil, false, false)

	// Hot-apply logging changes while running.
	if cfgFile != "" {
		watcher, werr := config.Watch(cfgFile, func(next *config.Config) {
			logger.SetLevel(next.Logging.Level)
			logger.SetFormat(next.Logging.Format)
		})
		if werr != nil {
			logger.Warn("Config watcher unavailable", "error", werr)
		} else {
			defer watcher.Close()
		}
	}

	group := new(errgroup.Group)

	group.Go(c.Start)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			metrics.GetRegistry(), promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		group.Go(func() error {
			logger.Info("Metrics endpoint listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	// Block until SIGINT/SIGTERM, then print stats and tear down.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("Signal received, shutting down", "signal", s.String())

	c.StatsPrint(true, true)

	if err := c.Teardown(); err != nil {
		return err
	}
	if metricsSrv != nil {
		// A scrape endpoint needs no graceful drain.
		_ = metricsSrv.Close()
	}

	return group.Wait()
}
