package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // LOCAL_TZ must resolve on hosts without zoneinfo

	"github.com/Carsten0007/Tradingbot-2/api"
	"github.com/Carsten0007/Tradingbot-2/chart"
	"github.com/Carsten0007/Tradingbot-2/config"
	"github.com/Carsten0007/Tradingbot-2/daemon"
	"github.com/Carsten0007/Tradingbot-2/journal"
	"github.com/Carsten0007/Tradingbot-2/logging"
	"github.com/Carsten0007/Tradingbot-2/position"
	"github.com/Carsten0007/Tradingbot-2/protection"
	"github.com/Carsten0007/Tradingbot-2/session"
	"github.com/Carsten0007/Tradingbot-2/status"
	"github.com/Carsten0007/Tradingbot-2/strategy"
	"github.com/Carsten0007/Tradingbot-2/websocket"
)

var (
	cfg    *config.Config
	logger *logging.Logger
)

func logLevel() logging.LogLevel {
	if cfg.Debug {
		return logging.DEBUG
	}
	return logging.LogLevel(cfg.LogLevel)
}

// Initialize logging with the provided configuration
func initLogging() error {
	var err error
	logger, err = logging.NewLogger(
		cfg.LogFile,
		cfg.LogMaxSize,
		cfg.LogMaxBackups,
		cfg.LogMaxAge,
		cfg.LogCompress,
		logLevel(),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// app bundles everything main needs to run and shut down.
type app struct {
	client     *api.RESTClient
	journal    *journal.Journal
	trader     *strategy.Trader
	supervisor *session.Supervisor
	status     *http.Server
}

// handleDaemonCommands runs a daemon control command and reports whether
// one was given.
func handleDaemonCommands(start, stop, restart bool) bool {
	if !start && !stop && !restart {
		return false
	}
	// the daemon child opens the log file itself
	logger = logging.NewConsoleLogger(os.Stdout, logLevel())
	childArgs := func(skip string) []string {
		args := []string{}
		for _, arg := range os.Args[1:] {
			if arg != skip && arg != "-"+skip {
				args = append(args, arg)
			}
		}
		return args
	}

	switch {
	case start:
		logInfo("Starting daemon...")
		if err := daemon.StartDaemon(childArgs("-start-daemon")); err != nil {
			logFatal("Failed to start daemon: %v", err)
		}
	case stop:
		logInfo("Stopping daemon...")
		if err := daemon.StopDaemon(); err != nil {
			logFatal("Failed to stop daemon: %v", err)
		}
	case restart:
		logInfo("Restarting daemon...")
		if err := daemon.RestartDaemon(childArgs("-restart-daemon")); err != nil {
			logFatal("Failed to restart daemon: %v", err)
		}
	}
	logger.Sync()
	return true
}

// Initialize the application by setting up configuration, logging, and the
// trading pipeline. Returns nil when a daemon command was handled.
func initializeApp() *app {
	cfg = config.LoadConfig()

	daemonStart := flag.Bool("start-daemon", false, "Start the application as a daemon")
	daemonStop := flag.Bool("stop-daemon", false, "Stop the daemon process")
	daemonRestart := flag.Bool("restart-daemon", false, "Restart the daemon process")
	debugFlag := flag.Bool("debug", false, "enable debug logs")
	flag.Parse()
	cfg.Debug = *debugFlag
	cfg.DaemonMode = cfg.DaemonMode || daemon.IsDaemon()

	if handleDaemonCommands(*daemonStart, *daemonStop, *daemonRestart) {
		return nil
	}

	if err := initLogging(); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	logInfo("Application starting...")
	logInfo("Daemon mode: %t, account: %s, instruments: %v", cfg.DaemonMode, cfg.AccountType, cfg.Instruments)
	if cfg.APIKey == "" || cfg.Identifier == "" || cfg.Password == "" {
		logFatal("CAPITAL_API_KEY, CAPITAL_IDENTIFIER and CAPITAL_PASSWORD must be set")
	}
	if len(cfg.Instruments) == 0 {
		logFatal("INSTRUMENTS is empty")
	}

	params, err := config.NewParamStore(cfg.ParamsFile)
	if err != nil {
		logFatal("Trading parameters: %v", err)
	}
	logInfo("Trading parameters loaded from %s (version %d)", cfg.ParamsFile, params.Version())

	jrnl, err := journal.New(cfg.JournalPath)
	if err != nil {
		logFatal("Trade journal: %v", err)
	}

	client := api.NewRESTClient(cfg, logger)
	pm := position.NewPositionManager(client, jrnl, logger)
	monitor := protection.NewMonitor(cfg.CloseDebounce(), logger)
	charts := chart.NewBuffer(
		time.Duration(cfg.ChartWindowSec)*time.Second,
		cfg.ChartMaxPoints,
		time.Duration(cfg.ChartThrottleMs)*time.Millisecond,
	)
	trader := strategy.NewTrader(cfg, params, pm, monitor, charts, logger)

	newStream := func() session.Stream { return websocket.NewClient(cfg, logger) }
	sup := session.NewSupervisor(cfg, client, newStream, trader, logger)

	handler := status.NewHandler(cfg, trader, charts, jrnl, logger)
	srv := status.StartServer(cfg, handler, logger)

	return &app{
		client:     client,
		journal:    jrnl,
		trader:     trader,
		supervisor: sup,
		status:     srv,
	}
}

// logDebug logs debug messages
func logDebug(format string, v ...interface{}) {
	logger.Debug(format, v...)
}

// logInfo logs info messages
func logInfo(format string, v ...interface{}) {
	logger.Info(format, v...)
}

// logWarning logs warning messages
func logWarning(format string, v ...interface{}) {
	logger.Warning(format, v...)
}

// logError logs error messages
func logError(format string, v ...interface{}) {
	logger.Error(format, v...)
}

// logFatal logs fatal messages and exits
func logFatal(format string, v ...interface{}) {
	logger.Fatal(format, v...)
}

// logPnL periodically logs realized PnL from the journal.
func logPnL(ctx context.Context, a *app) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total, err := a.journal.TotalPnL(ctx, "")
			if err != nil {
				logWarning("PnL stats unavailable: %v", err)
				continue
			}
			logInfo("Profit stats - realized P&L: %s", total.StringFixed(2))
			for _, s := range a.trader.Snapshot() {
				if s.Position != nil {
					logDebug("%s open %s deal %s unrealized %.2f", s.Instrument, s.Position.Direction, s.Position.DealID, s.Position.UnrealizedPnL)
				}
			}
		}
	}
}

func main() {
	a := initializeApp()
	if a == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logInfo("Received signal %s, shutting down gracefully...", sig)
		cancel()
	}()

	go logPnL(ctx, a)

	if err := a.supervisor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logError("Supervisor stopped: %v", err)
	}

	// Open positions stay with the broker; they are reconciled on the next start.
	for _, s := range a.trader.Snapshot() {
		if s.Position != nil {
			logWarning("%s: leaving %s position %s open at broker", s.Instrument, s.Position.Direction, s.Position.DealID)
		}
	}

	if a.status != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.status.Shutdown(shutdownCtx); err != nil {
			logError("Status server shutdown: %v", err)
		}
		done()
	}
	if err := a.journal.Close(); err != nil {
		logError("Journal close: %v", err)
	}
	logInfo("Shutdown complete")
	logger.Sync()
	logger.Close()
}
