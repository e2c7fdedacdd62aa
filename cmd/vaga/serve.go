package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gabrielbergel/MQTT-test/internal/buildinfo"
	"github.com/gabrielbergel/MQTT-test/internal/config"
	"github.com/gabrielbergel/MQTT-test/internal/connwatch"
	"github.com/gabrielbergel/MQTT-test/internal/events"
	"github.com/gabrielbergel/MQTT-test/internal/hoststats"
	"github.com/gabrielbergel/MQTT-test/internal/indicator"
	"github.com/gabrielbergel/MQTT-test/internal/monitor"
	"github.com/gabrielbergel/MQTT-test/internal/mqtt"
	"github.com/gabrielbergel/MQTT-test/internal/sensor"
	"github.com/gabrielbergel/MQTT-test/internal/status"
	"github.com/gabrielbergel/MQTT-test/internal/timeutil"
)

// shutdownTimeout bounds the offline announcement and HTTP drain.
const shutdownTimeout = 5 * time.Second

// runServe handles the "vaga serve" subcommand. It opens the sensors
// and lights, starts the broker connection and the status server, and
// runs the sampling loop until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels ctx and the sampling loop returns after its
//     current cycle
//  2. The publisher announces "offline" and disconnects
//  3. The status server closes its streams and drains requests
//  4. Watchers stop and the serial port closes via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting vaga", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Level was validated by Load.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"space", cfg.Space.ID,
		"distance_occupied_cm", cfg.Thresholds.DistanceOccupiedCM,
		"noise_motor", cfg.Thresholds.NoiseMotor,
		"publish_interval", cfg.Cadence.PublishInterval,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Sensors ---
	rng, noise, closeSensors, err := openSensors(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSensors()

	reader := sensor.NewReader(rng, noise, sensor.Policy{
		FailOpenDistanceCM: cfg.Sensors.FailOpenDistanceCM,
		MaxRangeCM:         cfg.Sensors.Range.MaxRangeCM,
		MaxADC:             cfg.Thresholds.MaxADC,
		Timeout:            cfg.Sensors.Range.Timeout,
	}, nil, logger)

	// --- Indicators ---
	// The recorder always runs so the status server can report the
	// applied pattern even when no hardware lines are configured.
	recorder := &indicator.Recorder{}
	lights := indicator.Tee{recorder}
	if cfg.Indicators.Driver == "sysfs" {
		lights = append(lights, indicator.NewLines(indicator.LinePaths{
			Green: cfg.Indicators.Green,
			Amber: cfg.Indicators.Amber,
			Red:   cfg.Indicators.Red,
		}, logger))
		logger.Info("indicator lines enabled",
			"green", cfg.Indicators.Green,
			"amber", cfg.Indicators.Amber,
			"red", cfg.Indicators.Red,
		)
	}

	bus := events.New()

	// --- Broker link ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	var wg sync.WaitGroup
	var publisher *mqtt.Publisher
	var transport monitor.Transport
	var transportStats status.TransportSource
	stopPublisher := func() {}

	if cfg.MQTT.Configured() {
		collector := hoststats.NewCollector("/", logger)
		clientID := mqtt.NewClientID(cfg.Space.ID)
		publisher = mqtt.New(cfg.MQTT, cfg.Space, clientID, collector, bus, logger)
		transport = publisher
		transportStats = publisher

		// The publisher gets its own context so it can still announce
		// "offline" after the signal has cancelled ctx.
		pubCtx, pubCancel := context.WithCancel(context.Background())
		stopPublisher = func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := publisher.Stop(stopCtx); err != nil {
				logger.Warn("mqtt shutdown failed", "error", err)
			}
			pubCancel()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := publisher.Start(pubCtx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:  "mqtt",
			Probe: publisher.AwaitConnection,
			Backoff: connwatch.Backoff{
				InitialDelay: cfg.MQTT.Reconnect.InitialDelay,
				MaxDelay:     cfg.MQTT.Reconnect.MaxDelay,
				Multiplier:   cfg.MQTT.Reconnect.Multiplier,
			},
			Logger: logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"topic", cfg.MQTT.Topic,
			"client_id", clientID,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	mon := monitor.New(reader, lights, transport, monitor.OptionsFromConfig(cfg), bus, logger)

	// --- Status server ---
	var server *status.Server
	if cfg.Status.Enabled {
		server = status.NewServer(cfg.Status.Address, cfg.Space.ID, status.Sources{
			Cycles:    mon,
			Lights:    recorder,
			Transport: transportStats,
			Links:     connMgr,
			Bus:       bus,
		}, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				logger.Error("status server failed", "error", err)
				cancel()
			}
		}()
	}

	loopErr := monitor.NewLoop(mon, timeutil.RealClock{}, cfg.Cadence.CycleDelay, logger).Run(ctx)

	logger.Info("shutting down")
	cancel()
	stopPublisher()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown failed", "error", err)
		}
		shutdownCancel()
	}
	wg.Wait()

	if loopErr != nil {
		return fmt.Errorf("sampling loop: %w", loopErr)
	}
	logger.Info("vaga stopped")
	return nil
}

// openSensors builds the range and noise sensors the config selects.
// When both are simulated they share one scene so noise follows the
// simulated car. The returned func releases any opened hardware.
func openSensors(cfg *config.Config, logger *slog.Logger) (sensor.RangeSensor, sensor.NoiseSensor, func(), error) {
	var sim *sensor.Simulator
	simulator := func() *sensor.Simulator {
		if sim == nil {
			sim = sensor.NewSimulator(cfg.Sensors.SimulationSeed)
		}
		return sim
	}

	closeFn := func() {}

	var rng sensor.RangeSensor
	switch cfg.Sensors.Range.Driver {
	case "serial":
		port, err := sensor.OpenSerial(sensor.SerialConfig{
			Port:     cfg.Sensors.Range.Port,
			BaudRate: cfg.Sensors.Range.BaudRate,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		uart := sensor.NewUARTRange(port, cfg.Sensors.Range.Timeout)
		closeFn = func() {
			if err := uart.Close(); err != nil {
				logger.Warn("close range sensor", "error", err)
			}
		}
		rng = uart
		logger.Info("range sensor opened", "port", cfg.Sensors.Range.Port, "baud", cfg.Sensors.Range.BaudRate)
	default:
		rng = simulator()
		logger.Info("range sensor simulated", "seed", cfg.Sensors.SimulationSeed)
	}

	var noise sensor.NoiseSensor
	switch cfg.Sensors.Noise.Driver {
	case "iio":
		noise = sensor.NewIIOChannel(cfg.Sensors.Noise.Path)
		logger.Info("noise sensor opened", "path", cfg.Sensors.Noise.Path)
	default:
		noise = simulator()
		logger.Info("noise sensor simulated", "seed", cfg.Sensors.SimulationSeed)
	}

	return rng, noise, closeFn, nil
}
