// Command eocw-sim runs a small wireless network in virtual time and shows
// which paths the EOCW route discovery settles on.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/signalsfoundry/eocw-aodv/aodv"
	"github.com/signalsfoundry/eocw-aodv/internal/logging"
	"github.com/signalsfoundry/eocw-aodv/internal/observability"
	"github.com/signalsfoundry/eocw-aodv/internal/simnet"
)

// Options are the command-line settings.
type Options struct {
	ConfigPath  string
	Scenario    string
	Nodes       int
	Packets     int
	Interval    time.Duration
	Duration    time.Duration
	Seed        uint64
	MetricsAddr string
	PrintRoutes bool
}

func main() {
	var opts Options
	flag.StringVar(&opts.ConfigPath, "config", "", "YAML, JSON or TOML protocol configuration (AODV_* env vars override)")
	flag.StringVar(&opts.Scenario, "scenario", "diamond", "topology to run: diamond or line")
	flag.IntVar(&opts.Nodes, "nodes", 5, "number of nodes in the line scenario")
	flag.IntVar(&opts.Packets, "packets", 3, "data packets sent from source to destination")
	flag.DurationVar(&opts.Interval, "interval", 500*time.Millisecond, "virtual time between data packets")
	flag.DurationVar(&opts.Duration, "duration", 5*time.Second, "virtual time to run after the last packet")
	flag.Uint64Var(&opts.Seed, "seed", 1, "seed for jitter and link loss")
	flag.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus /metrics here after the run until interrupted")
	flag.BoolVar(&opts.PrintRoutes, "routes", false, "print every node's routing table")
	logBackend := flag.String("log-backend", "slog", "logging backend: slog or zap")
	flag.Parse()

	log, sync := newLogger(*logBackend)
	defer sync()

	ctx, stop := signal.NotifyContext(logging.ContextWithLogger(context.Background(), log), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		log.Error(ctx, "simulation failed", logging.Err(err))
		sync()
		os.Exit(1)
	}
}

// newLogger picks the logging backend. slog honours LOG_LEVEL and
// LOG_FORMAT.
func newLogger(backend string) (logging.Logger, func()) {
	if backend != "zap" {
		return logging.NewFromEnv(), func() {}
	}
	z, err := zap.NewProduction()
	if err != nil {
		return logging.NewFromEnv(), func() {}
	}
	return logging.NewZap(z), func() { _ = z.Sync() }
}

var errUnknownScenario = errors.New("unknown scenario")

// run builds the scenario, drives it and writes a report to out. It logs
// through the logger carried by ctx.
func run(ctx context.Context, opts Options, out io.Writer) error {
	log := logging.LoggerFromContext(ctx)
	cfg, err := aodv.LoadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	tracing := observability.TracingConfigFromEnv()
	tracing.Attributes = []attribute.KeyValue{
		attribute.String("aodv.scenario", opts.Scenario),
		attribute.Int64("aodv.seed", int64(opts.Seed)),
	}
	shutdown, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	reg := prometheus.NewRegistry()
	metrics, err := observability.NewProtocolCollector(reg)
	if err != nil {
		return err
	}
	steps, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		return err
	}

	net := simnet.New(
		simnet.WithConfig(cfg),
		simnet.WithSeed(opts.Seed),
		simnet.WithLogger(log),
		simnet.WithMetrics(metrics),
		simnet.WithSchedulerMetrics(steps),
		simnet.WithTracer(observability.Tracer()),
	)
	defer func() { _ = net.Close() }()

	var src, dst *simnet.Node
	switch opts.Scenario {
	case "diamond":
		src, dst, err = diamond(net, cfg)
	case "line":
		src, dst, err = line(net, opts.Nodes)
	default:
		err = fmt.Errorf("%w: %q", errUnknownScenario, opts.Scenario)
	}
	if err != nil {
		return err
	}
	log.Info(ctx, "scenario ready",
		logging.String("scenario", opts.Scenario),
		logging.Int("nodes", len(net.Nodes())),
		logging.Addr("src", src.Addr()),
		logging.Addr("dst", dst.Addr()),
	)

	for i := range opts.Packets {
		status, err := src.Send(dst.Addr(), []byte(fmt.Sprintf("packet-%d", i+1)))
		if err != nil {
			log.Warn(ctx, "send failed", logging.Int("packet", i+1), logging.Err(err))
		} else {
			log.Debug(ctx, "packet sent", logging.Int("packet", i+1), logging.String("status", status.String()))
		}
		net.Run(opts.Interval)
	}
	net.Run(opts.Duration)

	if err := report(out, net, src, dst, opts.PrintRoutes); err != nil {
		return err
	}

	if opts.MetricsAddr != "" {
		return serveMetrics(ctx, opts.MetricsAddr, metrics, log)
	}
	return nil
}

// diamond is a source and a destination joined through a healthy relay
// and a drained one. The source asks for destination-only replies, so the
// relays cannot answer from hello-learned routes, and the destination
// listens long enough to hear both copies.
func diamond(net *simnet.Network, cfg aodv.Config) (*simnet.Node, *simnet.Node, error) {
	specs := []simnet.NodeSpec{
		{Name: "src", Prefix: prefix(1), Configure: func(c *aodv.Config) {
			c.DestinationOnly = true
		}},
		{Name: "strong", Prefix: prefix(2)},
		{Name: "weak", Prefix: prefix(3), Energy: 0.35},
		{Name: "dst", Prefix: prefix(4), Configure: func(c *aodv.Config) {
			c.CollectionWindow = max(c.CollectionWindow, 3*cfg.HealthDelayScale)
		}},
	}
	nodes := make([]*simnet.Node, len(specs))
	for i, s := range specs {
		n, err := net.AddNode(s)
		if err != nil {
			return nil, nil, err
		}
		nodes[i] = n
	}
	for _, pair := range [][2]int{{0, 1}, {0, 2}, {1, 3}, {2, 3}} {
		if err := net.Connect(nodes[pair[0]], nodes[pair[1]], time.Millisecond); err != nil {
			return nil, nil, err
		}
	}
	return nodes[0], nodes[3], nil
}

// line is a chain of n nodes where every relay pays for each frame it
// sends.
func line(net *simnet.Network, n int) (*simnet.Node, *simnet.Node, error) {
	if n < 2 {
		return nil, nil, fmt.Errorf("line needs at least 2 nodes, got %d", n)
	}
	if n > 254 {
		return nil, nil, fmt.Errorf("line supports at most 254 nodes, got %d", n)
	}
	var prev, first *simnet.Node
	for i := range n {
		node, err := net.AddNode(simnet.NodeSpec{
			Name:          fmt.Sprintf("n%d", i+1),
			Prefix:        prefix(byte(i + 1)),
			TxCost:        0.01,
			QueueCapacity: 8,
		})
		if err != nil {
			return nil, nil, err
		}
		if prev != nil {
			if err := net.Connect(prev, node, 2*time.Millisecond); err != nil {
				return nil, nil, err
			}
		} else {
			first = node
		}
		prev = node
	}
	return first, prev, nil
}

func prefix(last byte) netip.Prefix {
	return netip.PrefixFrom(netip.AddrFrom4([4]byte{10, 1, 0, last}), 24)
}

func report(out io.Writer, net *simnet.Network, src, dst *simnet.Node, routes bool) error {
	fmt.Fprintf(out, "virtual time: %s\n\n", net.Now().Sub(simnet.Epoch))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tADDR\tENERGY\tDELIVERED\tFORWARDED\tFAILED")
	for _, n := range net.Nodes() {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%d\t%d\t%d\n",
			n.Name, n.Addr(), n.ResidualEnergy(), len(n.Delivered), n.Forwarded, len(n.Failed))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	if e, ok := src.Proto.LookupRoute(dst.Addr()); ok {
		fmt.Fprintf(out, "route %s -> %s: %s via %s, %d hops, min energy %.2f, avg congestion %.2f, score %.3f\n",
			src.Name, dst.Name, e.State, e.NextHop, e.Hops, e.PathMinEnergy, e.PathAvgCongestion, e.PathScore)
	} else {
		fmt.Fprintf(out, "route %s -> %s: none\n", src.Name, dst.Name)
	}
	if e, ok := dst.Proto.LookupRoute(src.Addr()); ok {
		fmt.Fprintf(out, "route %s -> %s: %s via %s, %d hops, score %.3f\n",
			dst.Name, src.Name, e.State, e.NextHop, e.Hops, e.PathScore)
	}
	for _, f := range src.Failed {
		fmt.Fprintf(out, "failed packet %d: %v\n", f.Packet.ID, f.Err)
	}

	st := net.Medium.Stats()
	fmt.Fprintf(out, "frames: %d sent, %d delivered, %d lost, %d without link\n", st.Sent, st.Delivered, st.Lost, st.NoLink)

	if !routes {
		return nil
	}
	for _, n := range net.Nodes() {
		fmt.Fprintf(out, "\n%s (%s)\n", n.Name, n.Addr())
		if err := n.Proto.PrintRoutingTable(out); err != nil {
			return err
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, metrics *observability.ProtocolCollector, log logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
