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

	"github.com/carlmjohnson/versioninfo"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"stratasysbridge/internal/printer"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file.")
	envFile := flag.String("env-file", "", "Load environment overrides from this file (default .env if present).")
	host := flag.String("host", "", "IP address or hostname of the printer.")
	port := flag.Int("port", printer.DefaultPort, "TCP port of the printer status service.")
	scanInterval := flag.Int("scan-interval", int(DefaultScanInterval/time.Second), "Polling interval in seconds (5-600).")
	mqttURL := flag.String("mqtt-url", "", "URL of MQTT server to publish Home Assistant entities to.")
	homekitDir := flag.String("homekit-dir", "", "Location on disk to store HomeKit pairing state; empty disables HomeKit.")
	httpAddr := flag.String("http-addr", ":8080", "Address for the status API and metrics; empty disables it.")
	debug := flag.Bool("debug", false, "Debug logging.")
	showVersion := flag.Bool("version", false, "Print the version and exit.")

	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s, revision: %s, date: %s\n", versioninfo.Version, versioninfo.Revision, versioninfo.LastCommit)
		os.Exit(0)
	}

	logger := newLogger(*debug)

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			logger.Error("Failed to load env file.", "path", *envFile, "err", err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration.", "err", err)
		os.Exit(1)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Printer.Host = *host
		case "port":
			cfg.Printer.Port = *port
		case "scan-interval":
			cfg.ScanInterval = *scanInterval
		case "mqtt-url":
			cfg.MQTT.URL = *mqttURL
		case "homekit-dir":
			cfg.HomeKit.Dir = *homekitDir
		case "http-addr":
			cfg.HTTP.Addr = *httpAddr
		}
	})
	if cfg.HTTP.Addr == "" && !isFlagSet("http-addr") {
		cfg.HTTP.Addr = *httpAddr
	}

	if err := cfg.Finalize(); err != nil {
		logger.Error("Invalid configuration.", "err", err)
		flag.Usage()
		os.Exit(1)
	}

	logger.Info("Starting Stratasys bridge.", "version", versioninfo.Short(), "printer", cfg.Printer.Host,
		"port", cfg.Printer.Port, "scanInterval", cfg.ScanInterval, "mqttURL", cfg.MQTT.URL,
		"homekitDir", cfg.HomeKit.Dir, "httpAddr", cfg.HTTP.Addr, "debug", *debug)

	MetricBuildInfo.WithLabelValues(versioninfo.Version, versioninfo.Revision).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("Bridge failed.", "err", err)
		os.Exit(1)
	}

	logger.Info("Stopping program.")
}

func run(ctx context.Context, logger *slog.Logger, cfg *Config) error {
	client, err := printer.NewClient(logger, cfg.PrinterClientConfig())
	if err != nil {
		return fmt.Errorf("printer client: %w", err)
	}

	p, err := NewPoller(PollerConfig{
		Logger:   logger,
		Fetcher:  client,
		Interval: cfg.ScanIntervalDuration(),
	})
	if err != nil {
		return fmt.Errorf("poller: %w", err)
	}

	sensors := Sensors()
	p.Subscribe(func(s Snapshot) { RecordSensors(sensors, s) })

	var m *MQTT
	if cfg.MQTT.URL != "" {
		m = &MQTT{logger: logger, topics: cfg.Topics(), sensors: sensors, poller: p, version: versioninfo.Short()}
		if err := m.Init(cfg.MQTT.URL, cfg.MQTT.ClientID); err != nil {
			return err
		}
		p.Subscribe(m.Publish)
	}

	if cfg.HomeKit.Dir != "" {
		h := &HomeKit{logger: logger, addr: cfg.HomeKit.Addr, name: cfg.Printer.Name, serial: client.Addr()}
		if err := h.Init(ctx, cfg.HomeKit.Dir); err != nil {
			return fmt.Errorf("homekit: %w", err)
		}
		p.Subscribe(h.Publish)
	}

	if cfg.HTTP.Addr != "" {
		api := &API{poller: p, sensors: sensors, logger: logger}
		go func() {
			if err := api.Serve(ctx, cfg.HTTP.Addr); err != nil {
				logger.Error("Failed to serve HTTP API.", "err", err)
			}
		}()
	}

	go func() {
		if err := p.Run(ctx); err != nil {
			logger.Error("Poller stopped.", "err", err)
		}
	}()

	if m != nil {
		if err := m.Start(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	<-ctx.Done()

	if m != nil {
		if err := m.Stop(); err != nil {
			logger.Error("Failed to stop MQTT client.", "err", err)
		}
	}

	return nil
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z"))
			}
			return a
		},
	}))
}
