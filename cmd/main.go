package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aiguy110/noil/internal/app"
)

const defaultConfigPath = "/app/configs/config.yaml"

const starterConfig = `app:
  log_level: info
  log_format: text

server:
  enabled: true
  host: 0.0.0.0
  port: 9090

sources:
  - id: example
    type: file
    path: /var/log/example.log
    timestamp_pattern: '^(?P<ts>\S+ \S+)'
    timestamp_format: iso8601
    start: beginning
    follow: true
    on_unparseable: drop

fiber_types:
  - name: example_session
    max_gap: 5m
    gap_mode: session
    attributes:
      - name: session_id
        type: string
        key: true
    sources:
      - source_id: example
        patterns:
          - regex: 'session=(?P<session_id>\S+)'

sequencer:
  on_source_error: exclude

backpressure:
  strategy: block
  channel_capacity: 1024

checkpoint:
  enabled: true
  directory: ./data/checkpoints
  interval: 30s
  retain_generations: 3

store:
  backend: local_file
  local_file:
    directory: ./data/store

hot_reload:
  enabled: true

tracing:
  enabled: false
`

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && !isFlag(args[0]) {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "run":
		runRun(args)
	case "config":
		runConfig(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected \"run\" or \"config init\")\n", cmd)
		os.Exit(1)
	}
}

func isFlag(arg string) bool {
	return len(arg) > 0 && arg[0] == '-'
}

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configFile := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	application, err := app.New(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create application: %v\n", err)
		os.Exit(1)
	}
	if err := application.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "application error: %v\n", err)
		os.Exit(1)
	}
}

func runConfig(args []string) {
	if len(args) == 0 || args[0] != "init" {
		fmt.Fprintln(os.Stderr, "usage: noil config init [--config <path>]")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	configFile := fs.String("config", defaultConfigPath, "path to write the starter configuration file")
	fs.Parse(args[1:])

	if _, err := os.Stat(*configFile); err == nil {
		fmt.Fprintf(os.Stderr, "%s already exists; refusing to overwrite\n", *configFile)
		os.Exit(1)
	}

	if err := os.WriteFile(*configFile, []byte(starterConfig), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", *configFile, err)
		os.Exit(1)
	}
	fmt.Printf("wrote starter configuration to %s\n", *configFile)
}
