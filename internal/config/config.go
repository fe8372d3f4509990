// Package config handles configuration loading for the Spine MHS.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like certificate key paths to be injected at runtime.
//
// # Configuration Sections
//
//   - server: inbound listener settings (address, port, TLS material)
//   - messaging: reliable messaging engine settings (directories, retry sweep)
//   - sds: directory service settings (server, cache, URL overrides, identity)
//   - handlers: default handler settings (spool directory)
//
// # Example Configuration
//
//	server:
//	  address: 0.0.0.0
//	  port: 443
//	  certFile: /etc/spine/endpoint.crt
//	  keyFile: ${SPINE_ENDPOINT_KEY}
//	  caFile: /etc/spine/spine-ca-bundle.pem
//
//	messaging:
//	  messageDir: /var/spool/spine/messages
//	  expiredDir: /var/spool/spine/expired
//	  retryCheckInterval: 30s
//	  persistDurationsFile: /etc/spine/persistDurations.txt
//
//	sds:
//	  server: ldap.spine.nhs.uk
//	  cacheDir: /var/cache/spine/sds
//	  urlResolverFile: /etc/spine/urlResolver.txt
//	  myAsid: "123456789012"
//	  myPartyKey: "XYZ-123456"
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written in the usual
// "30s"/"5m" form.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Messaging MessagingConfig `yaml:"messaging"`
	SDS       SDSConfig       `yaml:"sds"`
	Handlers  HandlersConfig  `yaml:"handlers"`
}

// ServerConfig holds inbound listener settings
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// CertFile and KeyFile are the Spine endpoint certificate and key,
	// used for both the listener and outbound client authentication.
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	// CAFile is the Spine CA bundle for verifying the peer. Optional;
	// without it the peer chain is not verified.
	CAFile string `yaml:"caFile"`
}

// MessagingConfig holds reliable messaging engine settings
type MessagingConfig struct {
	MessageDir string `yaml:"messageDir"`
	ExpiredDir string `yaml:"expiredDir"`
	// RetryCheckInterval is the retry sweep period. Absent means the 30s
	// default; an explicit "0s" disables the sweep.
	RetryCheckInterval   *Duration `yaml:"retryCheckInterval"`
	PersistDurationsFile string    `yaml:"persistDurationsFile"`
	// MyIP is advertised in synchronous SOAP requests. Empty means the
	// first non-localhost interface address.
	MyIP string `yaml:"myIp"`
	// NullDefaultSyncHandler discards synchronous responses instead of
	// spooling them, for callers that read the response directly.
	NullDefaultSyncHandler bool `yaml:"nullDefaultSyncHandler"`
}

// SDSConfig holds directory service settings
type SDSConfig struct {
	Server          string `yaml:"server"`
	Port            int    `yaml:"port"`
	CacheDir        string `yaml:"cacheDir"`
	URLResolverFile string `yaml:"urlResolverFile"`
	MyAsid          string `yaml:"myAsid"`
	MyPartyKey      string `yaml:"myPartyKey"`
}

// HandlersConfig holds default handler settings
type HandlersConfig struct {
	// SpoolDir is where the default file-save handlers write received
	// payloads and synchronous responses.
	SpoolDir string `yaml:"spoolDir"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 443
	}
	if c.Messaging.RetryCheckInterval == nil {
		d := Duration(30 * time.Second)
		c.Messaging.RetryCheckInterval = &d
	}
	if c.SDS.Port == 0 {
		c.SDS.Port = 389
	}
	if c.Handlers.SpoolDir == "" {
		c.Handlers.SpoolDir = "/var/spool/spine"
	}
}

func (c *Config) validate() error {
	if c.Server.CertFile == "" || c.Server.KeyFile == "" {
		return fmt.Errorf("server.certFile and server.keyFile are required - no messaging possible without the endpoint certificate")
	}
	if c.SDS.Server == "" && c.SDS.CacheDir == "" {
		return fmt.Errorf("at least one of sds.server and sds.cacheDir is required - nothing can be resolved with neither")
	}
	return nil
}
