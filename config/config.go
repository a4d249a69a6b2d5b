package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the configuration for the grantor server.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotationPeriod  int    `hcl:"log_rotation_period,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`

	Listeners  []ListenerBlock  `hcl:"listener,block"`
	Storage    *StorageBlock    `hcl:"storage,block"`
	Directory  *DirectoryBlock  `hcl:"directory,block"`
	TokenStore *TokenStoreBlock `hcl:"token_store,block"`
	Clients    []ClientBlock    `hcl:"client,block"`
}

type StorageBlock struct {
	Type string `hcl:"type,label"` // "inmem" or "file"

	// File storage specific config
	Path string `hcl:"path,optional"`
}

// Config returns the storage configuration as a map
func (s *StorageBlock) Config() map[string]string {
	config := make(map[string]string)
	config["type"] = s.Type
	if s.Path != "" {
		config["path"] = s.Path
	}
	return config
}

// DirectoryBlock configures the upstream user directory service.
type DirectoryBlock struct {
	Address    string `hcl:"address"`
	Timeout    string `hcl:"timeout,optional"`
	MaxRetries int    `hcl:"max_retries,optional"`
}

// TimeoutDuration parses the configured timeout, defaulting to 10 seconds.
func (d *DirectoryBlock) TimeoutDuration() (time.Duration, error) {
	if d.Timeout == "" {
		return 10 * time.Second, nil
	}
	timeout, err := parseutil.ParseDurationSecond(d.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid directory timeout %q: %w", d.Timeout, err)
	}
	return timeout, nil
}

// TokenStoreBlock configures the token store cache and metrics.
type TokenStoreBlock struct {
	CacheDisabled   bool  `hcl:"cache_disabled,optional"`
	CacheMaxCost    int64 `hcl:"cache_max_cost,optional"`
	MetricsDisabled bool  `hcl:"metrics_disabled,optional"`
}

// ClientBlock declares a client to bootstrap at startup. Existing clients
// are never overwritten, so secrets here only matter on first boot.
type ClientBlock struct {
	ClientID             string   `hcl:"id,label"`
	Secret               string   `hcl:"secret"`
	GrantTypes           []string `hcl:"grant_types"`
	Scopes               []string `hcl:"scopes,optional"`
	AccessTokenValidity  int      `hcl:"access_token_validity,optional"`
	RefreshTokenValidity int      `hcl:"refresh_token_validity,optional"`
}

type ListenerBlock struct {
	Name            string `hcl:"name,label"`
	Protocol        string `hcl:"protocol"`
	Address         string `hcl:"address"`
	TLSCertFile     string `hcl:"tls_cert_file,optional"`
	TLSKeyFile      string `hcl:"tls_key_file,optional"`
	TLSClientCAFile string `hcl:"tls_client_ca_file,optional"`
	TLSEnabled      bool   `hcl:"tls_enabled,optional"`
}

func LoadConfig(configFile string) (*Config, error) {
	var config Config

	err := hclsimple.DecodeFile(configFile, nil, &config)
	if err != nil {
		return nil, err
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Clients {
		if c.Clients[i].AccessTokenValidity == 0 {
			c.Clients[i].AccessTokenValidity = 3600
		}
		if c.Clients[i].RefreshTokenValidity == 0 {
			c.Clients[i].RefreshTokenValidity = 2592000
		}
	}
}

// GetListenerByName returns a listener by its name (label)
func (c *Config) GetListenerByName(name string) (*ListenerBlock, error) {
	for _, listener := range c.Listeners {
		if listener.Name == name {
			return &listener, nil
		}
	}
	return nil, fmt.Errorf("listener '%s' not found", name)
}

// GetApiListener is a convenience method to get the api listener
func (c *Config) GetApiListener() (*ListenerBlock, error) {
	return c.GetListenerByName("api")
}
