package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/HerbHall/iotscan/internal/config"
	"github.com/HerbHall/iotscan/internal/event"
	"github.com/HerbHall/iotscan/internal/iot"
	"github.com/HerbHall/iotscan/pkg/plugin"
)

// rangeFlags collects repeated -range values.
type rangeFlags []string

func (r *rangeFlags) String() string { return strings.Join(*r, ",") }

func (r *rangeFlags) Set(v string) error {
	*r = append(*r, v)
	return nil
}

type scanOptions struct {
	ranges   []string
	discover bool
	connect  bool
	iface    string
	format   string
	timeout  time.Duration
	verbose  bool
}

func parseScanFlags(args []string, stderr io.Writer) (scanOptions, string, error) {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var ranges rangeFlags
	fs.Var(&ranges, "range", "range to scan, e.g. 192.168.1. or 192.168.1.0/24 (repeatable)")
	configPath := fs.String("config", "", "path to configuration file")
	discover := fs.Bool("discover", false, "also discover ranges from the local network (always on when no range is given or configured)")
	connect := fs.Bool("connect", true, "claim every box found")
	iface := fs.String("interface", "", "only discover ranges on this network interface")
	format := fs.String("format", "text", "output format: text, json or yaml")
	timeout := fs.Duration("timeout", 0, "give up after this long (0 means no limit)")
	verbose := fs.Bool("v", false, "log progress to stderr")

	if err := fs.Parse(args); err != nil {
		return scanOptions{}, "", err
	}
	switch *format {
	case "text", "json", "yaml":
	default:
		return scanOptions{}, "", fmt.Errorf("unknown format %q", *format)
	}
	return scanOptions{
		ranges:   ranges,
		discover: *discover,
		connect:  *connect,
		iface:    *iface,
		format:   *format,
		timeout:  *timeout,
		verbose:  *verbose,
	}, *configPath, nil
}

// runScan runs one scan and returns the process exit code.
func runScan(args []string, stdout, stderr io.Writer) int {
	opts, configPath, err := parseScanFlags(args, stderr)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(stderr, "scan: %v\n", err)
		return 2
	}

	logger := zap.NewNop()
	if opts.verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			logger = l
		}
	}
	defer func() { _ = logger.Sync() }()

	v, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "scan: %v\n", err)
		return 1
	}
	cfg := iot.DefaultConfig()
	if err := config.New(v).Sub("plugins.iot").Unmarshal(&cfg); err != nil {
		fmt.Fprintf(stderr, "scan: config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "scan: config: %v\n", err)
		return 1
	}
	if opts.iface != "" {
		cfg.Discovery.Interface = opts.iface
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	snap, err := scan(ctx, cfg, opts, logger, stderr)
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "scan: %v\n", err)
		return 1
	}
	if err := writeSnapshot(stdout, opts.format, snap); err != nil {
		fmt.Fprintf(stderr, "scan: %v\n", err)
		return 1
	}
	return 0
}

func scan(ctx context.Context, cfg iot.Config, opts scanOptions, logger *zap.Logger, stderr io.Writer) (iot.Snapshot, error) {
	bus := event.NewBus(logger.Named("event"))
	if opts.verbose {
		unsub := bus.Subscribe(iot.TopicDeviceFound, func(_ context.Context, ev plugin.Event) {
			if de, ok := ev.Payload.(iot.DeviceEvent); ok {
				fmt.Fprintf(stderr, "found %s\n", de.Address)
			}
		})
		defer unsub()
	}

	deps := iot.Deps{
		Config:  cfg,
		Prober:  iot.NewHTTPProber(cfg, nil),
		Sources: iot.DefaultSources(cfg.Discovery, nil, logger),
		Bus:     bus,
		Logger:  logger,
	}
	if opts.connect {
		deps.Connector = iot.NewImageConnector(cfg, nil, logger.Named("connector"))
	}
	sess := iot.NewSession(deps)
	defer sess.Close()

	ranges, discover := scanPlan(cfg, opts)
	for _, r := range ranges {
		if _, err := sess.AddRange(ctx, r); err != nil {
			return sess.Snapshot(), err
		}
	}
	if discover {
		sess.Discover(ctx)
	}
	err := sess.Scan(ctx)
	return sess.Snapshot(), err
}

// scanPlan merges the configured ranges with the -range flags. Discovery runs
// when asked for or when neither names a range.
func scanPlan(cfg iot.Config, opts scanOptions) ([]string, bool) {
	ranges := append(append([]string{}, cfg.Ranges...), opts.ranges...)
	return ranges, opts.discover || len(ranges) == 0
}

func writeSnapshot(w io.Writer, format string, snap iot.Snapshot) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return err
		}
		return enc.Close()
	}

	for _, r := range snap.Ranges {
		fmt.Fprintf(w, "range %s*  %d/%d probed\n", r.Prefix, r.Completed, r.Total)
	}
	if len(snap.Devices) == 0 {
		fmt.Fprintln(w, "no boxes found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tSTATUS\tNOTE")
	for _, d := range snap.Devices {
		note := d.Message
		if d.CertificateSuspected {
			note = strings.TrimSpace("certificate not trusted " + note)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Address, d.Status, note)
	}
	return tw.Flush()
}
