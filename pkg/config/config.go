// Package config loads and validates the backend configuration file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Static errors for configuration validation.
var (
	ErrBaseDatasetRequired = errors.New("zfs.base is required")
	ErrInvalidBaseDataset  = errors.New("zfs.base must be a dataset path without leading or trailing '/'")
	ErrSANHostRequired     = errors.New("san.host is required when san.local is false")
	ErrSANAuthRequired     = errors.New("san.password or san.privateKey is required when san.local is false")
	ErrInvalidPort         = errors.New("port out of range")
	ErrInvalidRatio        = errors.New("maxOverSubscriptionRatio must be >= 1")
	ErrInvalidReserved     = errors.New("reservedPercentage must be between 0 and 100")
	ErrPortalRequired      = errors.New("no iSCSI portal configured (set iscsi.ipAddress or san.host)")
)

// Config is the complete backend configuration.
type Config struct {
	// BackendName is reported in pool stats.
	BackendName string `yaml:"backendName"`

	// MaxOverSubscriptionRatio is reported to the scheduler for thin pools.
	MaxOverSubscriptionRatio float64 `yaml:"maxOverSubscriptionRatio"`

	// ReservedPercentage is reported to the scheduler.
	ReservedPercentage int `yaml:"reservedPercentage"`

	ZFS   ZFS   `yaml:"zfs"`
	SAN   SAN   `yaml:"san"`
	ISCSI ISCSI `yaml:"iscsi"`
}

// ZFS holds dataset placement and zvol creation defaults.
type ZFS struct {
	// Base is the parent dataset all volumes are created under, e.g. "tank/cinder".
	Base string `yaml:"base"`

	ZFSCommand   string `yaml:"zfsCommand"`
	ZpoolCommand string `yaml:"zpoolCommand"`

	// ThinProvision creates sparse zvols (zfs create -s).
	ThinProvision bool `yaml:"thinProvision"`

	Compression  string `yaml:"compression"`
	Dedup        string `yaml:"dedup"`
	Volblocksize string `yaml:"volblocksize"`
	Checksum     string `yaml:"checksum"`
	Copies       string `yaml:"copies"`
	Sync         string `yaml:"sync"`

	// Encryption is only applied when the pool reports feature@encryption.
	Encryption  string `yaml:"encryption,omitempty"`
	KeyFormat   string `yaml:"keyFormat,omitempty"`
	KeyLocation string `yaml:"keyLocation,omitempty"`
}

// SAN selects where ZFS commands run and how to reach the host.
type SAN struct {
	// Local runs commands as local subprocesses instead of over SSH.
	Local bool `yaml:"local"`

	Host           string        `yaml:"host"`
	SSHPort        int           `yaml:"sshPort"`
	Login          string        `yaml:"login"`
	Password       string        `yaml:"password,omitempty"`
	PrivateKey     string        `yaml:"privateKey,omitempty"`
	KnownHostsFile string        `yaml:"knownHostsFile,omitempty"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`

	// RootHelper prefixes commands that need root, e.g. "sudo".
	RootHelper string `yaml:"rootHelper"`
}

// ISCSI holds target and initiator settings.
type ISCSI struct {
	// IPAddress is the portal address; defaults to san.host.
	IPAddress string `yaml:"ipAddress"`
	Port      int    `yaml:"port"`
	Protocol  string `yaml:"protocol"`

	// TargetPrefix is used to derive an IQN when discovery finds none.
	TargetPrefix string `yaml:"targetPrefix"`
	LUN          int    `yaml:"lun"`

	// ExtraPortals are additional ip:port portals searched during discovery.
	ExtraPortals []string `yaml:"extraPortals,omitempty"`

	// RefreshNodeRecords adds "-D -o update" to sendtargets discovery.
	RefreshNodeRecords bool `yaml:"refreshNodeRecords"`

	// DeviceWaitAttempts bounds by-path polling after login; 1 disables polling.
	DeviceWaitAttempts int           `yaml:"deviceWaitAttempts"`
	DeviceWaitInterval time.Duration `yaml:"deviceWaitInterval"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads, defaults and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	if c.BackendName == "" {
		c.BackendName = "zol-iscsi"
	}
	if c.MaxOverSubscriptionRatio == 0 {
		c.MaxOverSubscriptionRatio = 20.0
	}

	z := &c.ZFS
	setDefault(&z.ZFSCommand, "zfs")
	setDefault(&z.ZpoolCommand, "zpool")
	setDefault(&z.Compression, "on")
	setDefault(&z.Dedup, "off")
	setDefault(&z.Volblocksize, "8K")
	setDefault(&z.Checksum, "on")
	setDefault(&z.Copies, "1")
	setDefault(&z.Sync, "standard")

	s := &c.SAN
	setDefault(&s.Login, "root")
	setDefault(&s.RootHelper, "sudo")
	if s.SSHPort == 0 {
		s.SSHPort = 22
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = 30 * time.Second
	}

	i := &c.ISCSI
	if i.IPAddress == "" {
		i.IPAddress = s.Host
	}
	if i.Port == 0 {
		i.Port = 3260
	}
	setDefault(&i.Protocol, "iscsi")
	setDefault(&i.TargetPrefix, "iqn.2010-10.org.openstack:")
	if i.DeviceWaitAttempts == 0 {
		i.DeviceWaitAttempts = 1
	}
	if i.DeviceWaitInterval == 0 {
		i.DeviceWaitInterval = time.Second
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ZFS.Base == "" {
		return ErrBaseDatasetRequired
	}
	if strings.HasPrefix(c.ZFS.Base, "/") || strings.HasSuffix(c.ZFS.Base, "/") ||
		strings.ContainsAny(c.ZFS.Base, "@ \t") {
		return fmt.Errorf("%w: %q", ErrInvalidBaseDataset, c.ZFS.Base)
	}

	if !c.SAN.Local {
		if c.SAN.Host == "" {
			return ErrSANHostRequired
		}
		if c.SAN.Password == "" && c.SAN.PrivateKey == "" {
			return ErrSANAuthRequired
		}
	}
	if err := validatePort("san.sshPort", c.SAN.SSHPort); err != nil {
		return err
	}
	if err := validatePort("iscsi.port", c.ISCSI.Port); err != nil {
		return err
	}

	if c.MaxOverSubscriptionRatio < 1 {
		return fmt.Errorf("%w: %v", ErrInvalidRatio, c.MaxOverSubscriptionRatio)
	}
	if c.ReservedPercentage < 0 || c.ReservedPercentage > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidReserved, c.ReservedPercentage)
	}

	if c.ISCSI.IPAddress == "" {
		return ErrPortalRequired
	}
	return nil
}

// Portal returns the primary iSCSI portal as ip:port.
func (c *Config) Portal() string {
	return net.JoinHostPort(c.ISCSI.IPAddress, strconv.Itoa(c.ISCSI.Port))
}

// Portals returns the primary portal followed by any extra portals.
func (c *Config) Portals() []string {
	portals := []string{c.Portal()}
	for _, p := range c.ISCSI.ExtraPortals {
		if p != "" && p != portals[0] {
			portals = append(portals, p)
		}
	}
	return portals
}

// SSHAddress returns the SAN host as host:port.
func (c *Config) SSHAddress() string {
	return net.JoinHostPort(c.SAN.Host, strconv.Itoa(c.SAN.SSHPort))
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %s=%d", ErrInvalidPort, name, port)
	}
	return nil
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
