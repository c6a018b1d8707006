package aodv

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the protocol parameters. Durations left at zero are derived
// from the base timing parameters by ApplyDefaults.
type Config struct {
	// RreqRetries is the number of network-wide (TTL = NetDiameter)
	// attempts before a destination is declared unreachable.
	RreqRetries   int `mapstructure:"rreq_retries"`
	TTLStart      int `mapstructure:"ttl_start"`
	TTLIncrement  int `mapstructure:"ttl_increment"`
	TTLThreshold  int `mapstructure:"ttl_threshold"`
	NetDiameter   int `mapstructure:"net_diameter"`
	TimeoutBuffer int `mapstructure:"timeout_buffer"`

	// Per-second caps on originated requests and errors.
	RreqRateLimit int `mapstructure:"rreq_rate_limit"`
	RerrRateLimit int `mapstructure:"rerr_rate_limit"`

	NodeTraversalTime  time.Duration `mapstructure:"node_traversal_time"`
	NextHopWait        time.Duration `mapstructure:"next_hop_wait"`
	ActiveRouteTimeout time.Duration `mapstructure:"active_route_timeout"`
	NetTraversalTime   time.Duration `mapstructure:"net_traversal_time"`
	PathDiscoveryTime  time.Duration `mapstructure:"path_discovery_time"`
	MyRouteTimeout     time.Duration `mapstructure:"my_route_timeout"`
	BlackListTimeout   time.Duration `mapstructure:"blacklist_timeout"`
	DeletePeriod       time.Duration `mapstructure:"delete_period"`

	HelloInterval    time.Duration `mapstructure:"hello_interval"`
	AllowedHelloLoss int           `mapstructure:"allowed_hello_loss"`

	MaxQueueLen  int           `mapstructure:"max_queue_len"`
	MaxQueueTime time.Duration `mapstructure:"max_queue_time"`

	DestinationOnly bool `mapstructure:"destination_only"`
	GratuitousReply bool `mapstructure:"gratuitous_reply"`
	EnableHello     bool `mapstructure:"enable_hello"`
	EnableBroadcast bool `mapstructure:"enable_broadcast"`
	// EnableFuzzy selects fuzzy-inference weights, low-energy request
	// suppression and health-scaled forward delay. When false the static
	// weight table and plain jitter are used.
	EnableFuzzy bool `mapstructure:"enable_fuzzy"`

	// CriticalEnergy is the residual-energy score below which a node
	// stops relaying requests it is not the destination of.
	CriticalEnergy float64 `mapstructure:"critical_energy"`
	// HealthDelayScale multiplies the health penalty, a value in [0,2],
	// into a forward delay.
	HealthDelayScale time.Duration `mapstructure:"health_delay_scale"`
	// CollectionWindow is how long a destination gathers request copies
	// before choosing a path.
	CollectionWindow time.Duration `mapstructure:"collection_window"`

	// Seed feeds the jitter generator.
	Seed uint64 `mapstructure:"seed"`
}

// DefaultConfig returns the standard parameter set with every derived
// timer filled in.
func DefaultConfig() Config {
	c := Config{
		RreqRetries:        2,
		TTLStart:           1,
		TTLIncrement:       2,
		TTLThreshold:       7,
		NetDiameter:        35,
		TimeoutBuffer:      2,
		RreqRateLimit:      10,
		RerrRateLimit:      10,
		NodeTraversalTime:  40 * time.Millisecond,
		ActiveRouteTimeout: 3 * time.Second,
		HelloInterval:      time.Second,
		AllowedHelloLoss:   2,
		MaxQueueLen:        64,
		MaxQueueTime:       30 * time.Second,
		GratuitousReply:    true,
		EnableHello:        true,
		EnableBroadcast:    true,
		EnableFuzzy:        true,
		CriticalEnergy:     0.20,
		HealthDelayScale:   50 * time.Millisecond,
		CollectionWindow:   20 * time.Millisecond,
	}
	return c.ApplyDefaults()
}

// ApplyDefaults fills zero numeric fields with their defaults and derives
// the dependent timers. Boolean switches are left as given, and so are
// RreqRetries and CriticalEnergy, for which zero is a meaningful setting
// (give up after the first expanding-ring timeout; never suppress
// requests). Start from DefaultConfig to get their standard values.
func (c Config) ApplyDefaults() Config {
	if c.TTLStart == 0 {
		c.TTLStart = 1
	}
	if c.TTLIncrement == 0 {
		c.TTLIncrement = 2
	}
	if c.TTLThreshold == 0 {
		c.TTLThreshold = 7
	}
	if c.NetDiameter == 0 {
		c.NetDiameter = 35
	}
	if c.TimeoutBuffer == 0 {
		c.TimeoutBuffer = 2
	}
	if c.RreqRateLimit == 0 {
		c.RreqRateLimit = 10
	}
	if c.RerrRateLimit == 0 {
		c.RerrRateLimit = 10
	}
	if c.NodeTraversalTime == 0 {
		c.NodeTraversalTime = 40 * time.Millisecond
	}
	if c.ActiveRouteTimeout == 0 {
		c.ActiveRouteTimeout = 3 * time.Second
	}
	if c.HelloInterval == 0 {
		c.HelloInterval = time.Second
	}
	if c.AllowedHelloLoss == 0 {
		c.AllowedHelloLoss = 2
	}
	if c.MaxQueueLen == 0 {
		c.MaxQueueLen = 64
	}
	if c.MaxQueueTime == 0 {
		c.MaxQueueTime = 30 * time.Second
	}
	if c.HealthDelayScale == 0 {
		c.HealthDelayScale = 50 * time.Millisecond
	}
	if c.CollectionWindow == 0 {
		c.CollectionWindow = 20 * time.Millisecond
	}

	if c.NextHopWait == 0 {
		c.NextHopWait = c.NodeTraversalTime + 10*time.Millisecond
	}
	if c.NetTraversalTime == 0 {
		c.NetTraversalTime = 2 * time.Duration(c.NetDiameter) * c.NodeTraversalTime
	}
	if c.PathDiscoveryTime == 0 {
		c.PathDiscoveryTime = 2 * c.NetTraversalTime
	}
	if c.MyRouteTimeout == 0 {
		c.MyRouteTimeout = 2 * max(c.PathDiscoveryTime, c.ActiveRouteTimeout)
	}
	if c.BlackListTimeout == 0 {
		c.BlackListTimeout = time.Duration(c.RreqRetries) * c.NetTraversalTime
	}
	if c.DeletePeriod == 0 {
		c.DeletePeriod = 5 * max(c.ActiveRouteTimeout, c.HelloInterval)
	}
	return c
}

// HelloLifetime is how long a neighbour stays alive without news.
func (c Config) HelloLifetime() time.Duration {
	return time.Duration(c.AllowedHelloLoss) * c.HelloInterval
}

// Validate rejects parameter sets the protocol cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.RreqRetries < 0 {
		errs = append(errs, fmt.Errorf("rreq_retries must be >= 0, got %d", c.RreqRetries))
	}
	if c.TTLStart < 1 || c.TTLStart > 255 {
		errs = append(errs, fmt.Errorf("ttl_start must be in [1,255], got %d", c.TTLStart))
	}
	if c.TTLIncrement < 1 {
		errs = append(errs, fmt.Errorf("ttl_increment must be >= 1, got %d", c.TTLIncrement))
	}
	if c.NetDiameter < 1 || c.NetDiameter > 255 {
		errs = append(errs, fmt.Errorf("net_diameter must be in [1,255], got %d", c.NetDiameter))
	}
	if c.TTLThreshold < c.TTLStart || c.TTLThreshold > c.NetDiameter {
		errs = append(errs, fmt.Errorf("ttl_threshold %d must lie between ttl_start %d and net_diameter %d",
			c.TTLThreshold, c.TTLStart, c.NetDiameter))
	}
	if c.RreqRateLimit < 1 || c.RerrRateLimit < 1 {
		errs = append(errs, errors.New("rate limits must be >= 1"))
	}
	if c.MaxQueueLen < 1 {
		errs = append(errs, fmt.Errorf("max_queue_len must be >= 1, got %d", c.MaxQueueLen))
	}
	if c.CriticalEnergy < 0 || c.CriticalEnergy > 1 {
		errs = append(errs, fmt.Errorf("critical_energy must be in [0,1], got %v", c.CriticalEnergy))
	}
	for name, d := range map[string]time.Duration{
		"node_traversal_time":  c.NodeTraversalTime,
		"active_route_timeout": c.ActiveRouteTimeout,
		"hello_interval":       c.HelloInterval,
		"max_queue_time":       c.MaxQueueTime,
		"collection_window":    c.CollectionWindow,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}

// EnvPrefix prefixes environment overrides, e.g. AODV_HELLO_INTERVAL=2s.
const EnvPrefix = "AODV"

// LoadConfig reads a YAML, JSON or TOML file (skipped when path is empty)
// and AODV_* environment variables over DefaultConfig, then applies
// derivations and validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg = cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("rreq_retries", d.RreqRetries)
	v.SetDefault("ttl_start", d.TTLStart)
	v.SetDefault("ttl_increment", d.TTLIncrement)
	v.SetDefault("ttl_threshold", d.TTLThreshold)
	v.SetDefault("net_diameter", d.NetDiameter)
	v.SetDefault("timeout_buffer", d.TimeoutBuffer)
	v.SetDefault("rreq_rate_limit", d.RreqRateLimit)
	v.SetDefault("rerr_rate_limit", d.RerrRateLimit)
	v.SetDefault("node_traversal_time", d.NodeTraversalTime)
	v.SetDefault("active_route_timeout", d.ActiveRouteTimeout)
	v.SetDefault("hello_interval", d.HelloInterval)
	v.SetDefault("allowed_hello_loss", d.AllowedHelloLoss)
	v.SetDefault("max_queue_len", d.MaxQueueLen)
	v.SetDefault("max_queue_time", d.MaxQueueTime)
	v.SetDefault("destination_only", d.DestinationOnly)
	v.SetDefault("gratuitous_reply", d.GratuitousReply)
	v.SetDefault("enable_hello", d.EnableHello)
	v.SetDefault("enable_broadcast", d.EnableBroadcast)
	v.SetDefault("enable_fuzzy", d.EnableFuzzy)
	v.SetDefault("critical_energy", d.CriticalEnergy)
	v.SetDefault("health_delay_scale", d.HealthDelayScale)
	v.SetDefault("collection_window", d.CollectionWindow)
	v.SetDefault("seed", d.Seed)

	// Derived timers default to zero so that ApplyDefaults recomputes them
	// from overridden base values; an explicit setting still wins.
	for _, k := range []string{
		"next_hop_wait", "net_traversal_time", "path_discovery_time",
		"my_route_timeout", "blacklist_timeout", "delete_period",
	} {
		v.SetDefault(k, time.Duration(0))
	}
}
