// Vaga monitors a single parking space.
//
// It reads an ultrasonic range sensor and an acoustic sensor, classifies
// the space as free, releasing or occupied, drives three status lights,
// and publishes a JSON telemetry record to an MQTT broker at most every
// publish interval. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	vaga serve              Run the monitor
//	vaga init [dir]         Write an example config.yaml
//	vaga check-config       Load and validate the configuration
//	vaga version            Print version and build information
//	vaga -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabrielbergel/MQTT-test/internal/buildinfo"
	"github.com/gabrielbergel/MQTT-test/internal/config"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Output goes to stdout and stderr and args
// is os.Args[1:], so the whole lifecycle can be driven from tests.
// Flags are parsed by hand to keep the flag package's globals out of
// concurrent tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

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
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
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
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "check-config":
		return runCheckConfig(stdout, configPath, outputFmt)
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

// runCheckConfig loads the configuration, which validates it, and
// prints a short summary of what serve would run with.
func runCheckConfig(w io.Writer, explicit string, outputFmt string) error {
	cfg, cfgPath, err := loadConfig(explicit)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"path":             cfgPath,
			"valid":            true,
			"space_id":         cfg.Space.ID,
			"range_driver":     cfg.Sensors.Range.Driver,
			"noise_driver":     cfg.Sensors.Noise.Driver,
			"indicator_driver": cfg.Indicators.Driver,
			"mqtt_enabled":     cfg.MQTT.Configured(),
			"status_enabled":   cfg.Status.Enabled,
		})
	}

	fmt.Fprintf(w, "%s: ok\n", cfgPath)
	fmt.Fprintf(w, "  %-18s %s\n", "space:", cfg.Space.ID)
	fmt.Fprintf(w, "  %-18s %s / %s\n", "sensors:", cfg.Sensors.Range.Driver, cfg.Sensors.Noise.Driver)
	fmt.Fprintf(w, "  %-18s %s\n", "indicators:", cfg.Indicators.Driver)
	if cfg.MQTT.Configured() {
		fmt.Fprintf(w, "  %-18s %s -> %s\n", "mqtt:", cfg.MQTT.Broker, cfg.MQTT.Topic)
	} else {
		fmt.Fprintf(w, "  %-18s disabled\n", "mqtt:")
	}
	if cfg.Status.Enabled {
		fmt.Fprintf(w, "  %-18s %s\n", "status server:", cfg.Status.Address)
	} else {
		fmt.Fprintf(w, "  %-18s disabled\n", "status server:")
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Vaga - Parking space monitor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: vaga [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Run the monitor")
	fmt.Fprintln(w, "  init [dir]     Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  check-config   Load and validate the configuration")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/vaga/config.yaml, /etc/vaga/config.yaml")
	return nil
}

// loadConfig locates, parses and validates the YAML configuration.
// Returns the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
