// package config loads and validates the daemon's YAML configuration file.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/slotd/broker"
	"github.com/getlantern/slotd/policy/staticpolicy"
)

var (
	log = golog.LoggerFor("config")
)

const (
	// DefaultMaxSize bounds uploads when maxSize is omitted entirely. An
	// explicit zero means unbounded and is left alone.
	DefaultMaxSize = 104857600

	DefaultListenAddr = ":8080"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.New("invalid duration %v: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the daemon's configuration file.
type Config struct {
	// Address the websocket front end listens on
	ListenAddr string `yaml:"listenAddr"`
	// Optional address for the metrics listener
	MetricsAddr string `yaml:"metricsAddr"`
	// Optional redis URL; when set, it backs the quota ledger
	RedisURL string `yaml:"redisURL"`
	// Bound on policy and quota backend calls
	DependencyTimeout Duration `yaml:"dependencyTimeout"`
	// Logical hosts to serve, one broker process each
	Hosts []string `yaml:"hosts"`
	// Upload service parameters, shared by all hosts
	Upload Upload `yaml:"upload"`
	// Per-requester message rate on the front end
	RateLimit RateLimit `yaml:"rateLimit"`
}

// Upload is the configuration the brokers derive their parameters from.
type Upload struct {
	AccessKeyID     string `yaml:"accessKeyID"`
	AccessKeySecret string `yaml:"accessKeySecret"`
	Region          string `yaml:"region"`
	BucketURL       string `yaml:"bucketURL"`
	DownloadURL     string `yaml:"downloadURL"`
	// Upload ceiling in bytes. Omitted it defaults, explicitly zero it
	// means unbounded, hence the pointer.
	MaxSize     *uint64  `yaml:"maxSize"`
	SetPublic   bool     `yaml:"setPublic"`
	PutTTL      Duration `yaml:"putTTL"`
	ServiceName string   `yaml:"serviceName"`
	Endpoints   []string `yaml:"endpoints"`
	// Access rule evaluated per slot request, a built-in name or a key
	// into AccessRules
	Access string `yaml:"access"`
	// Named rules: each maps to entries per staticpolicy.NewOracle
	AccessRules       map[string][]string `yaml:"accessRules"`
	QuotaPerRequester uint64              `yaml:"quotaPerRequester"`
	QuotaWindow       Duration            `yaml:"quotaWindow"`
}

// RateLimit configures the front end's per-requester rate limiter.
type RateLimit struct {
	PerSecond float64 `yaml:"perSecond"`
	Burst     int     `yaml:"burst"`
}

// Load reads, parses and validates the configuration at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New("unable to read %v: %v", path, err)
	}
	return Parse(b)
}

// Parse decodes one YAML document, applies defaults and validates.
func Parse(b []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.New("unable to parse configuration: %v", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
		log.Debugf("Defaulted listenAddr to: %v", cfg.ListenAddr)
	}
	if cfg.Upload.Access == "" {
		cfg.Upload.Access = staticpolicy.RuleLocal
		log.Debugf("Defaulted upload.access to: %v", cfg.Upload.Access)
	}
	if cfg.Upload.MaxSize == nil {
		maxSize := uint64(DefaultMaxSize)
		cfg.Upload.MaxSize = &maxSize
		log.Debugf("Defaulted upload.maxSize to: %d", maxSize)
	}
}

func (cfg *Config) validate() error {
	if len(cfg.Hosts) == 0 {
		return errors.New("please configure at least one host")
	}
	if cfg.Upload.AccessKeyID == "" || cfg.Upload.AccessKeySecret == "" {
		return errors.New("please configure upload.accessKeyID and upload.accessKeySecret")
	}
	if cfg.Upload.BucketURL == "" {
		return errors.New("please configure upload.bucketURL")
	}
	return nil
}

// UploadConfig converts the upload section into the brokers' configuration.
func (cfg *Config) UploadConfig() *broker.Config {
	maxSize := uint64(DefaultMaxSize)
	if cfg.Upload.MaxSize != nil {
		maxSize = *cfg.Upload.MaxSize
	}
	return &broker.Config{
		AccessKeyID:       cfg.Upload.AccessKeyID,
		AccessKeySecret:   cfg.Upload.AccessKeySecret,
		Region:            cfg.Upload.Region,
		BucketURL:         cfg.Upload.BucketURL,
		DownloadURL:       cfg.Upload.DownloadURL,
		MaxSize:           maxSize,
		SetPublic:         cfg.Upload.SetPublic,
		PutTTL:            time.Duration(cfg.Upload.PutTTL),
		ServiceName:       cfg.Upload.ServiceName,
		Endpoints:         cfg.Upload.Endpoints,
		Access:            cfg.Upload.Access,
		QuotaPerRequester: cfg.Upload.QuotaPerRequester,
		QuotaWindow:       time.Duration(cfg.Upload.QuotaWindow),
	}
}
