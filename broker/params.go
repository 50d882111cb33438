package broker

import (
	"net/url"
	"strings"
	"time"

	"github.com/getlantern/errors"

	"github.com/getlantern/slotd/signer"
)

const (
	// HostPlaceholder is replaced by the owning logical host inside
	// configured endpoint templates.
	HostPlaceholder = "@HOST@"

	// DefaultEndpointTemplate is the endpoint template used when none are
	// configured.
	DefaultEndpointTemplate = "upload." + HostPlaceholder

	// DefaultServiceName is the discovery display name used when none is
	// configured.
	DefaultServiceName = "HTTP File Upload"

	// DefaultPutTTL is how long issued PUT URLs stay valid when no TTL is
	// configured.
	DefaultPutTTL = 5 * time.Minute

	// DefaultQuotaWindow is the accounting window used when quotas are
	// enabled without an explicit window.
	DefaultQuotaWindow = 24 * time.Hour
)

// Config is the validated upload configuration a broker derives its
// ServiceParameters from. One Config is shared by all logical hosts; the
// host-specific parts (endpoint templates) reference the host through
// HostPlaceholder.
type Config struct {
	// Storage credentials, passed opaquely to the signer. Required.
	AccessKeyID     string
	AccessKeySecret string
	Region          string
	// Base location of the storage bucket. Required, absolute.
	BucketURL string
	// Optional override for the base location of GET URLs.
	DownloadURL string
	// Upload ceiling in bytes. Zero means unbounded.
	MaxSize uint64
	// Whether issued objects are requested to be publicly readable.
	SetPublic bool
	// Validity window of issued PUT URLs, defaults to DefaultPutTTL.
	PutTTL time.Duration
	// Discovery display name, defaults to DefaultServiceName.
	ServiceName string
	// Endpoint address templates, defaults to DefaultEndpointTemplate.
	Endpoints []string
	// Name of the access rule the policy oracle evaluates per request.
	Access string
	// Bytes one requester may reserve inside QuotaWindow. Zero disables
	// quota accounting.
	QuotaPerRequester uint64
	// Accounting window for QuotaPerRequester, defaults to
	// DefaultQuotaWindow.
	QuotaWindow time.Duration
}

// ApplyDefaults fills the optional fields. MaxSize is left alone: zero is
// the unbounded sentinel, not an omission.
func (cfg *Config) ApplyDefaults() {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
		log.Debugf("Defaulted ServiceName to: %v", cfg.ServiceName)
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = []string{DefaultEndpointTemplate}
		log.Debugf("Defaulted Endpoints to: %v", cfg.Endpoints)
	}
	if cfg.PutTTL <= 0 {
		cfg.PutTTL = DefaultPutTTL
		log.Debugf("Defaulted PutTTL to: %v", cfg.PutTTL)
	}
	if cfg.QuotaPerRequester > 0 && cfg.QuotaWindow <= 0 {
		cfg.QuotaWindow = DefaultQuotaWindow
		log.Debugf("Defaulted QuotaWindow to: %v", cfg.QuotaWindow)
	}
}

// ServiceParameters is the immutable snapshot of everything a broker needs
// to answer requests for one logical host. Reloads build a fresh value and
// swap it in wholesale; nothing ever mutates one in place, so an exchange
// that grabbed the current snapshot can keep using it consistently.
type ServiceParameters struct {
	ServiceName       string
	EndpointAddresses []string
	MaxSize           uint64
	StorageBaseURL    *url.URL
	DownloadBaseURL   *url.URL
	PublicRead        bool
	PutTTL            time.Duration
	LogicalHost       string
	Credentials       signer.Credentials
	AccessPolicy      string
	QuotaPerRequester uint64
	QuotaWindow       time.Duration
}

// buildServiceParameters derives the snapshot for one logical host from the
// shared configuration. Endpoint templates have HostPlaceholder expanded
// exactly once, here; duplicates after expansion collapse into one address.
func buildServiceParameters(logicalHost string, cfg *Config) (*ServiceParameters, error) {
	if cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" {
		return nil, errors.New("missing storage credentials for %v", logicalHost)
	}
	storageBase, err := parseBaseURL(cfg.BucketURL)
	if err != nil {
		return nil, errors.New("unable to parse bucket URL: %v", err)
	}
	var downloadBase *url.URL
	if cfg.DownloadURL != "" {
		downloadBase, err = parseBaseURL(cfg.DownloadURL)
		if err != nil {
			return nil, errors.New("unable to parse download URL: %v", err)
		}
	}

	addresses := make([]string, 0, len(cfg.Endpoints))
	seen := make(map[string]bool, len(cfg.Endpoints))
	for _, template := range cfg.Endpoints {
		addr := strings.ReplaceAll(template, HostPlaceholder, logicalHost)
		if !seen[addr] {
			seen[addr] = true
			addresses = append(addresses, addr)
		}
	}

	return &ServiceParameters{
		ServiceName:       cfg.ServiceName,
		EndpointAddresses: addresses,
		MaxSize:           cfg.MaxSize,
		StorageBaseURL:    storageBase,
		DownloadBaseURL:   downloadBase,
		PublicRead:        cfg.SetPublic,
		PutTTL:            cfg.PutTTL,
		LogicalHost:       logicalHost,
		Credentials: signer.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			AccessKeySecret: cfg.AccessKeySecret,
			Region:          cfg.Region,
		},
		AccessPolicy:      cfg.Access,
		QuotaPerRequester: cfg.QuotaPerRequester,
		QuotaWindow:       cfg.QuotaWindow,
	}, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, errors.New("%v is not an absolute URL", raw)
	}
	return u, nil
}
