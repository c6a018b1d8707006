// Package simnet wires protocol instances onto an in-memory medium so whole
// networks can run in virtual time. It plays the host: it owns the data
// plane, reports energy and congestion, and feeds link-layer failures back
// to the routing layer.
package simnet

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/eocw-aodv/aodv"
	"github.com/signalsfoundry/eocw-aodv/internal/logging"
	"github.com/signalsfoundry/eocw-aodv/internal/medium"
	"github.com/signalsfoundry/eocw-aodv/internal/observability"
	"github.com/signalsfoundry/eocw-aodv/internal/sched"
)

// DefaultTTL is the initial TTL of data packets sent with Node.Send.
const DefaultTTL = 64

// Epoch is the virtual start time of every network.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	ErrNodeExists   = errors.New("simnet: node already exists")
	ErrNodeNotFound = errors.New("simnet: node not found")
)

// Network is a set of nodes sharing one medium and one event queue.
type Network struct {
	Queue  *sched.EventQueue
	Medium *medium.Medium

	cfg     aodv.Config
	seed    uint64
	log     logging.Logger
	metrics *observability.ProtocolCollector
	steps   *observability.SchedulerCollector
	tracer  trace.Tracer

	nodes  []*Node
	byName map[string]*Node
}

// Option configures a Network.
type Option func(*Network)

// WithConfig sets the protocol configuration every node starts from.
func WithConfig(cfg aodv.Config) Option { return func(n *Network) { n.cfg = cfg } }

// WithSeed makes jitter and link loss reproducible.
func WithSeed(seed uint64) Option { return func(n *Network) { n.seed = seed } }

func WithLogger(l logging.Logger) Option {
	return func(n *Network) {
		if l != nil {
			n.log = l
		}
	}
}

func WithMetrics(c *observability.ProtocolCollector) Option {
	return func(n *Network) { n.metrics = c }
}

func WithSchedulerMetrics(c *observability.SchedulerCollector) Option {
	return func(n *Network) { n.steps = c }
}

func WithTracer(t trace.Tracer) Option { return func(n *Network) { n.tracer = t } }

// New creates an empty network starting at Epoch.
func New(opts ...Option) *Network {
	n := &Network{
		cfg:    aodv.DefaultConfig(),
		seed:   1,
		log:    logging.Noop(),
		byName: make(map[string]*Node),
	}
	for _, o := range opts {
		o(n)
	}
	n.Queue = sched.NewEventQueue(Epoch)
	n.Medium = medium.New(n.Queue, medium.WithSeed(n.seed), medium.WithLogger(n.log.With(logging.String("component", "medium"))))
	return n
}

// NodeSpec describes a node to add.
type NodeSpec struct {
	Name   string
	Prefix netip.Prefix
	// Energy is the initial residual energy score; zero means full.
	Energy float64
	// TxCost is subtracted from the energy score for every frame sent.
	TxCost float64
	// QueueCapacity bounds the frames a node keeps in flight for the
	// congestion score; zero reads as always idle.
	QueueCapacity int
	// Configure, if set, adjusts the node's protocol configuration.
	Configure func(*aodv.Config)
}

// AddNode attaches a node to the medium and starts its protocol.
func (n *Network) AddNode(spec NodeSpec) (*Node, error) {
	if spec.Name == "" {
		spec.Name = spec.Prefix.Addr().String()
	}
	if _, ok := n.byName[spec.Name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeExists, spec.Name)
	}
	energy := spec.Energy
	if energy == 0 {
		energy = 1
	}
	node := &Node{
		Name:     spec.Name,
		net:      n,
		energy:   energy,
		txCost:   spec.TxCost,
		capacity: spec.QueueCapacity,
	}
	port, err := n.Medium.Attach(spec.Prefix, node.receive)
	if err != nil {
		return nil, err
	}
	node.port = port

	cfg := n.cfg
	cfg.Seed = n.seed*1000 + uint64(len(n.nodes)) + 1
	if spec.Configure != nil {
		spec.Configure(&cfg)
	}
	proto, err := aodv.New(cfg, aodv.Deps{
		Scheduler:  n.Queue,
		Transport:  node,
		Energy:     node,
		Congestion: node,
		Logger:     n.log.With(logging.String("node", spec.Name)),
		Metrics:    n.metrics,
		Tracer:     n.tracer,
	})
	if err != nil {
		_ = n.Medium.Detach(spec.Prefix.Addr())
		return nil, err
	}
	if err := proto.NotifyInterfaceUp(aodv.Interface{Index: ifIndex, Prefix: spec.Prefix}); err != nil {
		_ = n.Medium.Detach(spec.Prefix.Addr())
		return nil, err
	}
	node.Proto = proto
	port.TxError = proto.NotifyTxError
	proto.Start()

	n.nodes = append(n.nodes, node)
	n.byName[spec.Name] = node
	return node, nil
}

// MustAddNode is AddNode for tests and fixed scenarios.
func (n *Network) MustAddNode(spec NodeSpec) *Node {
	node, err := n.AddNode(spec)
	if err != nil {
		panic(err)
	}
	return node
}

// Connect links two nodes with the given latency.
func (n *Network) Connect(a, b *Node, latency time.Duration) error {
	_, err := n.Medium.Connect(a.Addr(), b.Addr(), latency)
	return err
}

// SetLinkUp breaks or restores the link between two nodes.
func (n *Network) SetLinkUp(a, b *Node, up bool) error {
	return n.Medium.SetLinkUp(a.Addr(), b.Addr(), up)
}

// Node returns the node called name.
func (n *Network) Node(name string) (*Node, error) {
	node, ok := n.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, name)
	}
	return node, nil
}

// Nodes lists the nodes in the order they were added.
func (n *Network) Nodes() []*Node { return slices.Clone(n.nodes) }

// Now is the network's virtual time.
func (n *Network) Now() time.Time { return n.Queue.Now() }

// Run advances virtual time by d and returns the number of callbacks run.
func (n *Network) Run(d time.Duration) int {
	start := time.Now()
	ran := n.Queue.Advance(d)
	n.steps.ObserveStep(ran, n.Queue.Pending(), n.Queue.Now().Sub(Epoch), time.Since(start))
	return ran
}

// Close stops every protocol.
func (n *Network) Close() error {
	var errs []error
	for _, node := range n.nodes {
		if err := node.Proto.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", node.Name, err))
		}
	}
	n.log.Debug(context.Background(), "network closed", logging.Int("nodes", len(n.nodes)))
	return errors.Join(errs...)
}
