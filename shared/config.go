package shared

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/PelionIoT/gridcore/availability"
	"github.com/PelionIoT/gridcore/cluster"
	. "github.com/PelionIoT/gridcore/error"
	. "github.com/PelionIoT/gridcore/logging"
	"github.com/PelionIoT/gridcore/merge"
	"github.com/PelionIoT/gridcore/transfer"
)

const DefaultSnapshotInterval uint64 = 60000

type YAMLNodeConfig struct {
	ID       string `yaml:"id"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DataDir  string `yaml:"dataDir"`
	LogLevel string `yaml:"logLevel"`
	// Compress wire batches and persisted state with zstd
	Compress bool `yaml:"compress"`
	// SnapshotInterval is in milliseconds
	SnapshotInterval uint64            `yaml:"snapshotInterval"`
	Peers            []YAMLPeer        `yaml:"peers"`
	Caches           []YAMLCacheConfig `yaml:"caches"`
}

type YAMLPeer struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// YAMLCacheConfig durations are in milliseconds. Zero values take the
// defaults.
type YAMLCacheConfig struct {
	Name              string `yaml:"name"`
	NumSegments       uint64 `yaml:"numSegments"`
	NumOwners         int    `yaml:"numOwners"`
	PartitionHandling string `yaml:"partitionHandling"`
	MergePolicy       string `yaml:"mergePolicy"`
	ChunkSize         int    `yaml:"chunkSize"`
	Parallelism       int64  `yaml:"parallelism"`
	InitialBackoff    uint64 `yaml:"initialBackoff"`
	MaxBackoff        uint64 `yaml:"maxBackoff"`
	MaxAttempts       int    `yaml:"maxAttempts"`
	ConfirmTimeout    uint64 `yaml:"confirmTimeout"`
}

func (ync *YAMLNodeConfig) LoadFromFile(file string) error {
	rawConfig, err := os.ReadFile(file)

	if err != nil {
		return err
	}

	return ync.Load(rawConfig)
}

func (ync *YAMLNodeConfig) Load(rawConfig []byte) error {
	if err := yaml.Unmarshal(rawConfig, ync); err != nil {
		return NewConfigurationError("file", "%v", err)
	}

	if len(ync.ID) == 0 {
		return NewConfigurationError("id", "the node id is empty")
	}

	if !isValidPort(ync.Port) {
		return NewConfigurationError("port", "%d is an invalid port for the node", ync.Port)
	}

	if ync.LogLevel != "" && !LogLevelIsValid(ync.LogLevel) {
		return NewConfigurationError("logLevel", "%s is not a valid log level", ync.LogLevel)
	}

	for _, peer := range ync.Peers {
		if len(peer.ID) == 0 {
			return NewConfigurationError("peers", "peer ID is empty")
		}

		if len(peer.Host) == 0 {
			return NewConfigurationError("peers", "the host name is empty for peer %s", peer.ID)
		}

		if !isValidPort(peer.Port) {
			return NewConfigurationError("peers", "%d is an invalid port to connect to peer %s at %s", peer.Port, peer.ID, peer.Host)
		}
	}

	if len(ync.Caches) == 0 {
		return NewConfigurationError("caches", "at least one cache must be configured")
	}

	seen := make(map[string]bool, len(ync.Caches))

	for _, cache := range ync.Caches {
		if seen[cache.Name] {
			return NewConfigurationError("caches", "cache %s is configured twice", cache.Name)
		}

		seen[cache.Name] = true

		if _, err := cache.CacheConfiguration(); err != nil {
			return err
		}
	}

	if ync.SnapshotInterval == 0 {
		ync.SnapshotInterval = DefaultSnapshotInterval
	}

	if ync.LogLevel != "" {
		SetLoggingLevel(ync.LogLevel)
	}

	return nil
}

// CacheConfigurations builds the validated configuration of every cache
func (ync *YAMLNodeConfig) CacheConfigurations() ([]CacheConfiguration, error) {
	configurations := make([]CacheConfiguration, 0, len(ync.Caches))

	for _, cache := range ync.Caches {
		configuration, err := cache.CacheConfiguration()

		if err != nil {
			return nil, err
		}

		configurations = append(configurations, configuration)
	}

	return configurations, nil
}

func (ycc YAMLCacheConfig) CacheConfiguration() (CacheConfiguration, error) {
	partitionHandling, err := availability.ParsePartitionHandlingPolicy(ycc.PartitionHandling)

	if err != nil {
		return CacheConfiguration{}, err
	}

	mergePolicy, err := merge.ParseMergePolicy(ycc.MergePolicy)

	if err != nil {
		return CacheConfiguration{}, err
	}

	rehash := transfer.DefaultRehashConfig()

	if ycc.ChunkSize != 0 {
		rehash.ChunkSize = ycc.ChunkSize
	}

	if ycc.Parallelism != 0 {
		rehash.Parallelism = ycc.Parallelism
	}

	if ycc.InitialBackoff != 0 {
		rehash.InitialBackoff = time.Duration(ycc.InitialBackoff) * time.Millisecond
	}

	if ycc.MaxBackoff != 0 {
		rehash.MaxBackoff = time.Duration(ycc.MaxBackoff) * time.Millisecond
	}

	if ycc.MaxAttempts != 0 {
		rehash.MaxAttempts = ycc.MaxAttempts
	}

	if ycc.ConfirmTimeout != 0 {
		rehash.ConfirmTimeout = time.Duration(ycc.ConfirmTimeout) * time.Millisecond
	}

	return NewCacheConfiguration(CacheOptions{
		Name:              ycc.Name,
		NumSegments:       ycc.NumSegments,
		NumOwners:         ycc.NumOwners,
		PartitionHandling: partitionHandling,
		MergePolicy:       mergePolicy,
		Rehash:            rehash,
	})
}

// CacheOptions feed NewCacheConfiguration. A zero NumSegments or NumOwners
// takes the default and a nil Factory means the default factory.
type CacheOptions struct {
	Name              string
	NumSegments       uint64
	NumOwners         int
	PartitionHandling availability.PartitionHandlingPolicy
	MergePolicy       merge.MergePolicy
	Rehash            transfer.RehashConfig
	Factory           cluster.ConsistentHashFactory
}

// CacheConfiguration is fixed once a cache is created
type CacheConfiguration struct {
	name              string
	numSegments       uint64
	numOwners         int
	partitionHandling availability.PartitionHandlingPolicy
	mergePolicy       merge.MergePolicy
	rehash            transfer.RehashConfig
	factory           cluster.ConsistentHashFactory
}

func NewCacheConfiguration(options CacheOptions) (CacheConfiguration, error) {
	if len(options.Name) == 0 {
		return CacheConfiguration{}, NewConfigurationError("name", "the cache name is empty")
	}

	if options.NumSegments == 0 {
		options.NumSegments = cluster.DefaultSegmentCount
	}

	if options.NumOwners == 0 {
		options.NumOwners = cluster.DefaultNumOwners
	}

	if err := cluster.CheckSegmentSettings(options.NumSegments, options.NumOwners); err != nil {
		return CacheConfiguration{}, err
	}

	if options.Rehash == (transfer.RehashConfig{}) {
		options.Rehash = transfer.DefaultRehashConfig()
	}

	if err := options.Rehash.Validate(); err != nil {
		return CacheConfiguration{}, err
	}

	if options.Factory == nil {
		options.Factory = cluster.NewDefaultConsistentHashFactory()
	}

	return CacheConfiguration{
		name:              options.Name,
		numSegments:       options.NumSegments,
		numOwners:         options.NumOwners,
		partitionHandling: options.PartitionHandling,
		mergePolicy:       options.MergePolicy,
		rehash:            options.Rehash,
		factory:           options.Factory,
	}, nil
}

func (config CacheConfiguration) Name() string {
	return config.name
}

func (config CacheConfiguration) NumSegments() uint64 {
	return config.numSegments
}

func (config CacheConfiguration) NumOwners() int {
	return config.numOwners
}

func (config CacheConfiguration) PartitionHandling() availability.PartitionHandlingPolicy {
	return config.partitionHandling
}

func (config CacheConfiguration) MergePolicy() merge.MergePolicy {
	return config.mergePolicy
}

func (config CacheConfiguration) Rehash() transfer.RehashConfig {
	return config.rehash
}

func (config CacheConfiguration) Factory() cluster.ConsistentHashFactory {
	return config.factory
}

func (config CacheConfiguration) String() string {
	return fmt.Sprintf("%s (segments = %d, owners = %d, partitionHandling = %s, mergePolicy = %s)", config.name, config.numSegments, config.numOwners, config.partitionHandling, config.mergePolicy)
}

func isValidPort(p int) bool {
	return p >= 0 && p < (1<<16)
}
