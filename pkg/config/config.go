package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"
)

var bucketConfig = []byte("config")

const configKey = "data"

// Data holds the values this agent needs to find and talk to the head
// node. It is the unit persisted in bbolt and, optionally, seeded from a
// YAML file on first run.
type Data struct {
	RegistrationURI        string        `yaml:"registrationUri" json:"registrationUri"`
	HeartbeatURI           string        `yaml:"heartbeatUri" json:"heartbeatUri"`
	MetricURI              string        `yaml:"metricUri" json:"metricUri"`
	HostsFileURI           string        `yaml:"hostsFileUri" json:"hostsFileUri"`
	HostsFetchInterval     time.Duration `yaml:"hostsFetchInterval" json:"hostsFetchInterval"`
	NamingServiceURIs      []string      `yaml:"namingServiceUris" json:"namingServiceUris"`
	RegisterInterval       time.Duration `yaml:"registerInterval" json:"registerInterval"`
	NodeInfoReportInterval time.Duration `yaml:"nodeInfoReportInterval" json:"nodeInfoReportInterval"`
	MetricReportInterval   time.Duration `yaml:"metricReportInterval" json:"metricReportInterval"`
	InitialNamingBackoff   time.Duration `yaml:"initialNamingBackoff" json:"initialNamingBackoff"`
	Debug                  bool          `yaml:"debug" json:"debug"`
}

func defaults() Data {
	return Data{
		HostsFetchInterval:     5 * time.Minute,
		RegisterInterval:       30 * time.Second,
		NodeInfoReportInterval: 10 * time.Second,
		MetricReportInterval:   10 * time.Second,
		InitialNamingBackoff:   time.Second,
	}
}

// NodeManagerConfig is a bbolt-backed store for Data, seeded from an
// optional YAML file the first time the agent runs against a given data
// directory.
type NodeManagerConfig struct {
	mu   sync.RWMutex
	db   *bolt.DB
	data Data
}

// Load opens (creating if necessary) the config database under dataDir. If
// the database has no stored config yet, defaults are applied and, when
// seedFile is non-empty, overridden by its YAML contents before the result
// is persisted.
func Load(dataDir, seedFile string) (*NodeManagerConfig, error) {
	dbPath := filepath.Join(dataDir, "nodemanager.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open config database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketConfig)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create config bucket: %w", err)
	}

	cfg := &NodeManagerConfig{db: db}

	existing, err := cfg.read()
	if err != nil {
		db.Close()
		return nil, err
	}

	if existing != nil {
		cfg.data = *existing
		return cfg, nil
	}

	data := defaults()
	if seedFile != "" {
		if err := seedFromYAML(seedFile, &data); err != nil {
			db.Close()
			return nil, err
		}
	}

	cfg.data = data
	if err := cfg.persist(); err != nil {
		db.Close()
		return nil, err
	}

	return cfg, nil
}

func seedFromYAML(path string, data *Data) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, data); err != nil {
		return fmt.Errorf("parse seed config %s: %w", path, err)
	}
	return nil
}

func (c *NodeManagerConfig) read() (*Data, error) {
	var data *Data
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		raw := b.Get([]byte(configKey))
		if raw == nil {
			return nil
		}
		var d Data
		if err := json.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("decode stored config: %w", err)
		}
		data = &d
		return nil
	})
	return data, err
}

func (c *NodeManagerConfig) persist() error {
	raw, err := json.Marshal(c.data)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		return b.Put([]byte(configKey), raw)
	})
}

// Close closes the underlying database.
func (c *NodeManagerConfig) Close() error {
	return c.db.Close()
}

// Snapshot returns a copy of the current config data.
func (c *NodeManagerConfig) Snapshot() Data {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := c.data
	d.NamingServiceURIs = append([]string(nil), c.data.NamingServiceURIs...)
	return d
}

func (c *NodeManagerConfig) RegistrationURI() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.RegistrationURI
}

func (c *NodeManagerConfig) HeartbeatURI() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.HeartbeatURI
}

func (c *NodeManagerConfig) MetricURI() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.MetricURI
}

func (c *NodeManagerConfig) HostsFileURI() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.HostsFileURI
}

func (c *NodeManagerConfig) HostsFetchInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.HostsFetchInterval
}

func (c *NodeManagerConfig) NamingServiceURIs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.data.NamingServiceURIs...)
}

func (c *NodeManagerConfig) RegisterInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.RegisterInterval
}

func (c *NodeManagerConfig) NodeInfoReportInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.NodeInfoReportInterval
}

func (c *NodeManagerConfig) MetricReportInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.MetricReportInterval
}

func (c *NodeManagerConfig) InitialNamingBackoff() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.InitialNamingBackoff
}

func (c *NodeManagerConfig) Debug() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.Debug
}

// SaveHeartbeatURI persists a new heartbeat URI, handed to the agent by a
// head-node Ping call, so it survives a restart of the agent.
func (c *NodeManagerConfig) SaveHeartbeatURI(uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.HeartbeatURI = uri
	return c.persist()
}

// SaveMetricURI persists a new metric-report URI, handed to the agent by a
// head-node Metric call.
func (c *NodeManagerConfig) SaveMetricURI(uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.MetricURI = uri
	return c.persist()
}
