package providers

import "time"

type ControlPlaneConfig struct {
	Binary  string `yaml:"binary"`
	Context string `yaml:"context"`
	Token   string `yaml:"token"`
	// RateLimit caps control-plane invocations per second; 0 disables it.
	RateLimit float64 `yaml:"rate_limit"`
}

type DefaultsConfig struct {
	Size   string   `yaml:"size"`
	Image  string   `yaml:"image"`
	Region string   `yaml:"region"`
	Tags   []string `yaml:"tags"`
}

type SSHConfig struct {
	User       string `yaml:"user"`
	PrivateKey string `yaml:"private_key"`
	KnownHosts string `yaml:"known_hosts"`
	// HostKeyPolicy is one of insecure, accept-new or strict.
	HostKeyPolicy  string        `yaml:"host_key_policy"`
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Retries        int           `yaml:"retries"`
}

type TimeoutsConfig struct {
	Settle       time.Duration `yaml:"settle"`
	Visible      time.Duration `yaml:"visible"`
	Boot         time.Duration `yaml:"boot"`
	Ready        time.Duration `yaml:"ready"`
	Poll         time.Duration `yaml:"poll"`
	DeleteGrace  time.Duration `yaml:"delete_grace"`
	DeleteVerify time.Duration `yaml:"delete_verify"`
	Member       time.Duration `yaml:"member"`
}

type AddressConfig struct {
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

type Config struct {
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Defaults     DefaultsConfig     `yaml:"defaults"`
	SSH          SSHConfig          `yaml:"ssh"`
	Timeouts     TimeoutsConfig     `yaml:"timeouts"`
	Address      AddressConfig      `yaml:"address"`
	Concurrency  int                `yaml:"concurrency"`
	Journal      struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`
	Telemetry struct {
		PushgatewayURL string `yaml:"pushgateway_url"`
		Job            string `yaml:"job"`
	} `yaml:"telemetry"`
}

// DefaultConfig mirrors the behaviour of the stock doctl workflow: root over
// ~/.ssh/id_rsa, s-2vcpu-2gb Ubuntu droplets in nyc1 and 64 concurrent tasks.
func DefaultConfig() Config {
	var c Config
	c.ControlPlane.Binary = "doctl"
	c.Defaults.Size = "s-2vcpu-2gb"
	c.Defaults.Image = "ubuntu-24-10-x64"
	c.Defaults.Region = "nyc1"
	c.SSH.User = "root"
	c.SSH.PrivateKey = "~/.ssh/id_rsa"
	c.SSH.HostKeyPolicy = "insecure"
	c.SSH.Port = 22
	c.SSH.ConnectTimeout = 15 * time.Second
	c.Timeouts = TimeoutsConfig{
		Settle:       10 * time.Second,
		Visible:      20 * time.Second,
		Boot:         10 * time.Minute,
		Ready:        20 * time.Second,
		Poll:         time.Second,
		DeleteGrace:  10 * time.Second,
		DeleteVerify: 60 * time.Second,
	}
	c.Address = AddressConfig{Retries: 10, Backoff: time.Second}
	c.Concurrency = 64
	c.Telemetry.Job = "docluster"
	return c
}
