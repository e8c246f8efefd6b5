// Envnode is an environmental sensor node daemon.
//
// It polls the configured sensors on a fixed cadence, publishes each
// measurement to an MQTT v5 broker over the configured transport
// security, and keeps its own firmware current against an update
// server. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	envnode serve            Run the node
//	envnode version          Print version and build information
//	envnode -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/envsense/envnode/internal/buildinfo"
	"github.com/envsense/envnode/internal/config"
	"github.com/envsense/envnode/internal/flash"
	"github.com/envsense/envnode/internal/measure"
	"github.com/envsense/envnode/internal/metrics"
	"github.com/envsense/envnode/internal/mqttpub"
	"github.com/envsense/envnode/internal/netlink"
	"github.com/envsense/envnode/internal/ota"
	"github.com/envsense/envnode/internal/queue"
	"github.com/envsense/envnode/internal/sensor"
	"github.com/envsense/envnode/internal/sensor/driver"
	"github.com/envsense/envnode/internal/state"
	"github.com/envsense/envnode/internal/supervisor"
	"github.com/envsense/envnode/internal/transport"
)

// queueCapacity bounds how many composed payloads can wait for the
// broker. At capacity the oldest is dropped, so a long outage costs
// staleness, never memory.
const queueCapacity = 8

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], keeping os.Exit and os.Args out of the
// application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible
// to call run() concurrently from tests, and the argument surface here
// is two flags and two commands.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "envnode - environmental sensor node")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: envnode [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the node")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe is the primary operating mode: load config, build the task
// set, and supervise it until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting envnode",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure now that the desired level is known; the Info-level
	// logger above only covers the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"device_id", cfg.DeviceID,
		"location", cfg.Location,
		"sensors", strings.Join(cfg.Sensors, ","),
		"encoding", cfg.Encoding,
		"security", cfg.Security,
	)

	// --- State cells, one writer each ---
	link := state.NewCell(state.LinkDown)
	session := state.NewCell(state.SessionDisconnected)
	brokerTLS := state.NewCell(state.TLSClosed)
	otaTLS := state.NewCell(state.TLSClosed)

	counters := metrics.NewSet()

	// --- Measurement pipeline: sensors -> composer -> queue ---
	composer, err := measure.NewComposer(cfg.Encoding, cfg.MQTTTopic)
	if err != nil {
		return err
	}

	q := queue.New[measure.Payload](queueCapacity, func(p measure.Payload) {
		counters.PayloadsDropped.Inc()
		logger.Warn("payload dropped to admit a fresher one", "topic", p.Topic)
	})

	sensors, err := buildSensors(cfg, logger)
	if err != nil {
		return err
	}

	sink := func(r sensor.Reading) {
		payload, err := composer.Compose(r)
		if err != nil {
			logger.Error("compose failed", "sensor", r.Kind, "error", err)
			return
		}
		q.Put(payload)
		logger.Log(context.Background(), config.LevelTrace, "payload queued",
			"sensor", r.Kind, "bytes", len(payload.Bytes), "queued", q.Len())
	}

	interval := time.Duration(cfg.MeasurementIntervalSeconds) * time.Second
	poller := sensor.NewPoller(sensors, interval, cfg.Location, link, sink, logger)
	poller.OnReadError = func(kind sensor.Kind) {
		counters.SensorFailures.WithLabelValues(string(kind)).Inc()
	}

	// --- Broker session ---
	brokerDialer, err := transport.NewDialer(cfg, brokerTLS, logger)
	if err != nil {
		return err
	}
	publisher := mqttpub.New(cfg, brokerDialer, q, session, logger)
	publisher.OnPublish = func(ok bool) {
		if ok {
			counters.Publishes.Inc()
		} else {
			counters.PublishFailures.Inc()
		}
	}

	// --- Link watcher ---
	watcher := netlink.NewWatcher(linkProbe(cfg), netlink.DefaultBackoffConfig(), link, logger)

	// restartSelf asks for a clean shutdown; the service manager brings
	// the process back up, booting whatever the flash flag points at.
	restartSelf := func() {
		p, err := os.FindProcess(os.Getpid())
		if err == nil {
			p.Signal(syscall.SIGTERM)
		}
	}

	// --- Supervision ---
	// An unexpected task exit propagates as an error and the process
	// exits non-zero; on this platform that IS the device reset, the
	// service manager boots a fresh instance.
	runner := supervisor.New(link, func() {}, logger)
	runner.Add(supervisor.Task{Name: "netlink", Run: watcher.Run})
	runner.Add(supervisor.Task{Name: "poller", NeedsLink: true, Run: poller.Run})
	runner.Add(supervisor.Task{Name: "publisher", NeedsLink: true, Run: publisher.Run})

	if cfg.OTAEnabled {
		store, err := flash.NewFileStore(cfg.FlashDir, 0)
		if err != nil {
			return err
		}
		otaDialer, err := transport.NewDialer(cfg, otaTLS, logger)
		if err != nil {
			return err
		}
		client := ota.NewClient(otaDialer, cfg.OTAHostname, cfg.OTAPort, cfg.DeviceID, logger)
		checkInterval := time.Duration(cfg.OTACheckIntervalSeconds) * time.Second
		updater, err := ota.New(client, store, buildinfo.Version, checkInterval, restartSelf, logger)
		if err != nil {
			return err
		}
		updater.OnCheck = func(result string) {
			counters.OTAChecks.WithLabelValues(result).Inc()
		}
		runner.Add(supervisor.Task{Name: "updater", NeedsLink: true, Run: updater.Run})
		logger.Info("updater enabled",
			"endpoint", net.JoinHostPort(cfg.OTAHostname, strconv.Itoa(cfg.OTAPort)),
			"interval", checkInterval)
	} else {
		logger.Info("updater disabled")
	}

	if cfg.MetricsListen != "" {
		runner.Add(supervisor.Task{Name: "metrics", Run: func(ctx context.Context) error {
			return counters.Serve(ctx, cfg.MetricsListen, logger)
		}})
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = runner.Run(ctx)
	if ctx.Err() != nil {
		logger.Info("envnode stopped")
		return nil
	}
	return err
}

// buildSensors instantiates a driver for each configured sensor.
func buildSensors(cfg *config.Config, logger *slog.Logger) ([]sensor.Sensor, error) {
	var out []sensor.Sensor
	for _, entry := range cfg.Sensors {
		name, sim := config.SensorSpec(entry)
		if sim {
			out = append(out, driver.NewSim(sensor.Kind(name)))
			logger.Info("sensor enabled", "sensor", name, "driver", "sim")
			continue
		}
		switch name {
		case "sds011":
			if cfg.SDS011Port == "" {
				return nil, fmt.Errorf("sensor sds011 requires sds011_port")
			}
			s, err := driver.OpenSDS011(cfg.SDS011Port)
			if err != nil {
				return nil, fmt.Errorf("open sds011 on %s: %w", cfg.SDS011Port, err)
			}
			out = append(out, s)
			logger.Info("sensor enabled", "sensor", name, "driver", "serial", "port", cfg.SDS011Port)
		default:
			// The i2c transducer backends are platform packages that
			// plug into driver.THPDevice / driver.CO2Device; this build
			// carries none, so only the simulated variants work here.
			return nil, fmt.Errorf("sensor %s has no hardware backend in this build; use %q", name, name+":sim")
		}
	}
	return out, nil
}

// linkProbe reports the link usable when the broker endpoint accepts a
// TCP connection. On the target platform this is replaced by the
// supplicant driver; reachability of the one peer that matters is the
// closest portable equivalent.
func linkProbe(cfg *config.Config) netlink.ProbeFunc {
	addr := net.JoinHostPort(cfg.MQTTHostname, strconv.Itoa(cfg.MQTTPort))
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// newLogger standardizes handler configuration: text output with the
// trace level rendered by name.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
