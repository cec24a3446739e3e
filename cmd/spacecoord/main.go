// Command spacecoord runs the Space-Coordinator: the on-premises agent
// that drives one space's room controllers (Zigbee devices, the OSD
// unit, audio capture, the car-park exemption loop) from the bookings
// and configuration the Server hands it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/spacecoord/internal/alert"
	"github.com/nugget/spacecoord/internal/audio"
	"github.com/nugget/spacecoord/internal/booking"
	"github.com/nugget/spacecoord/internal/buildinfo"
	"github.com/nugget/spacecoord/internal/carpark"
	"github.com/nugget/spacecoord/internal/config"
	"github.com/nugget/spacecoord/internal/metrics"
	"github.com/nugget/spacecoord/internal/mqttsvc"
	"github.com/nugget/spacecoord/internal/notify"
	"github.com/nugget/spacecoord/internal/obstable"
	"github.com/nugget/spacecoord/internal/osd"
	"github.com/nugget/spacecoord/internal/presence"
	"github.com/nugget/spacecoord/internal/rpcclient"
	"github.com/nugget/spacecoord/internal/scheduler"
	"github.com/nugget/spacecoord/internal/soundmeter"
	"github.com/nugget/spacecoord/internal/telemetry"
	"github.com/nugget/spacecoord/internal/units"
	"github.com/nugget/spacecoord/internal/z2m"
)

const (
	reconcileInterval  = 10 * time.Minute
	unitsPollInterval  = 5 * time.Minute
	z2mSyncInterval    = time.Minute
	audioSweepInterval = 10 * time.Second
	telemetryOutputDir = "telemetry"
)

func main() {
	configPath := flag.String("config-path", "", "path to spacecoord.toml (searched if omitted)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info("spacecoord starting", "build", buildinfo.String())

	if err := run(*configPath, logger); err != nil {
		logger.Error("spacecoord exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("spacecoord stopped")
}

func run(configPath string, logger *slog.Logger) error {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return fmt.Errorf("find config: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	client, err := rpcclient.New(cfg.RPCClientConfig())
	if err != nil {
		return fmt.Errorf("build rpc client: %w", err)
	}
	if err := client.SynchronizeClock(ctx); err != nil {
		logger.Warn("could not synchronize clock with server, proceeding with local time", "error", err)
	}

	unitFetcher := units.New(client, unitsPollInterval)

	notifier := notify.New(cfg.Notify.Endpoint, nil)

	sched := scheduler.New(logger)
	sched.Start(ctx)

	orch := scheduler.NewOrchestrator(logger)

	bookings := booking.New(client, sched, logger)

	presenceMonitor := presence.New(cfg.PresenceHosts(), cfg.Presence.ScanInterval, cfg.Presence.AwayInterval, cfg.Presence.PingDeadline, logger)

	mqtt, err := mqttsvc.New(ctx, cfg.MQTTServiceConfig(), logger)
	if err != nil {
		return fmt.Errorf("connect mqtt: %w", err)
	}
	defer mqtt.Disconnect(context.Background())

	table := obstable.New()

	alertPub := alert.New(cfg.AlertConfigs(), presenceMonitor, bookings, table, logger)

	z2mCtl := z2m.New(cfg.Z2mConfig(), mqtt, presenceMonitor, table, logger)

	soundDriver, err := soundmeter.New(cfg.SoundMeters, table, logger)
	if err != nil {
		return fmt.Errorf("build sound meter driver: %w", err)
	}

	metricsPub := metrics.New(cfg.Metrics, logger)

	osdCtl := osd.New(cfg.OSDConfig(), mqtt, client, sched, logger)

	telemetryMgr := telemetry.New(cfg.Telemetry, client, telemetryOutputDir, logger)
	if err := os.MkdirAll(telemetryOutputDir, 0o755); err != nil {
		return fmt.Errorf("create telemetry output dir: %w", err)
	}
	if err := telemetryMgr.RegisterConfiguredTables(table); err != nil {
		return fmt.Errorf("register telemetry tables: %w", err)
	}

	audioRecorder := audio.New(cfg.Audio, client, logger)

	var exempter *carpark.Exempter
	if cfg.Carpark.Endpoint != "" {
		exemptionSvc := carpark.NewHTTPExemptionService(cfg.Carpark.Endpoint, cfg.Carpark.APIKey, nil)
		exempter = carpark.New(client, bookings, exemptionSvc, osdCtl, notifier)
	}

	alertPub.AddCallback(osdCtl)

	bookings.AddCallback(z2mCtl)
	bookings.AddCallback(audioRecorder)
	bookings.AddCallback(telemetryMgr)
	bookings.AddCallback(osdCtl)
	if exempter != nil {
		bookings.AddCallback(exempter)
	}

	presenceMonitor.AddCallback(z2mCtl)

	if err := z2mCtl.Start(ctx); err != nil {
		return fmt.Errorf("start z2m controller: %w", err)
	}
	sched.ScheduleEvery("z2m_sync", z2mSyncInterval, func(ctx context.Context) error {
		z2mCtl.Sync(ctx)
		return nil
	})

	if err := osdCtl.Start(ctx); err != nil {
		return fmt.Errorf("start osd controller: %w", err)
	}

	sched.ScheduleEvery("booking_reconcile", reconcileInterval, bookings.Reconcile)
	if err := bookings.Reconcile(ctx); err != nil {
		logger.Warn("initial booking reconciliation failed", "error", err)
	}

	sched.ScheduleEvery("audio_sweep_zombies", audioSweepInterval, func(ctx context.Context) error {
		audioRecorder.SweepZombies(ctx)
		return nil
	})

	if exempter != nil {
		sched.ScheduleEvery("carpark_update", cfg.Carpark.UpdateInterval, exempter.Update)
	}

	orch.AddTask("unit_fetcher", unitFetcher.Start)
	orch.AddTask("presence_monitor", presenceMonitor.Run)
	orch.AddTask("sound_meter_driver", soundDriver.Run)
	orch.AddTask("alert_publisher", func(ctx context.Context) error {
		alertPub.Start(ctx)
		return nil
	})
	orch.AddTask("metrics_publisher", func(ctx context.Context) error {
		metricsPub.Start(ctx, table)
		return nil
	})

	logger.Info("spacecoord ready", "space_id", cfg.SpaceID)

	return orch.Run(ctx)
}
