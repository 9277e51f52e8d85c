package providers

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// CloudConfig is the subset of cloud-config docluster generates.
type CloudConfig struct {
	PackageUpdate bool     `yaml:"package_update,omitempty"`
	Packages      []string `yaml:"packages,omitempty"`
	RunCmd        []string `yaml:"runcmd,omitempty"`
}

// CloudInitUserData returns a minimal cloud-config that installs packages and
// runs commands on first boot. The creation protocol waits for cloud-init to
// finish, so everything listed here is done by the time a droplet is Ready.
// It returns "" when there is nothing to do.
func CloudInitUserData(packages, runcmd []string) (string, error) {
	if len(packages) == 0 && len(runcmd) == 0 {
		return "", nil
	}
	cc := CloudConfig{PackageUpdate: len(packages) > 0, Packages: packages, RunCmd: runcmd}
	var b bytes.Buffer
	b.WriteString("#cloud-config\n")
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(cc); err != nil {
		return "", fmt.Errorf("encode cloud-config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode cloud-config: %w", err)
	}
	return b.String(), nil
}
