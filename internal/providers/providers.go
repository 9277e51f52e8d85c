package providers

import (
	"context"
	"encoding/json"
)

// NetworkV4 is one IPv4 attachment of a droplet.
type NetworkV4 struct {
	IPAddress string `json:"ip_address"`
	Netmask   string `json:"netmask"`
	Gateway   string `json:"gateway"`
	Type      string `json:"type"`
}

// Droplet is the provider's view of a single virtual machine as reported by
// the control plane. Raw keeps the full JSON object for callers that need
// attributes this struct does not decode.
type Droplet struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Status   string   `json:"status"`
	Tags     []string `json:"tags"`
	Memory   int      `json:"memory"`
	VCPUs    int      `json:"vcpus"`
	Disk     int      `json:"disk"`
	Created  string   `json:"created_at"`
	Networks struct {
		V4 []NetworkV4 `json:"v4"`
	} `json:"networks"`
	Region struct {
		Slug string `json:"slug"`
	} `json:"region"`
	Image struct {
		Slug string `json:"slug"`
	} `json:"image"`
	SizeSlug string `json:"size_slug"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the known fields and keeps the raw object.
func (d *Droplet) UnmarshalJSON(b []byte) error {
	type plain Droplet
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*d = Droplet(p)
	d.Raw = append(json.RawMessage(nil), b...)
	if d.Tags == nil {
		d.Tags = []string{}
	}
	return nil
}

// PublicIPv4 returns the first public IPv4 address in the snapshot, if any.
func (d Droplet) PublicIPv4() string {
	for _, n := range d.Networks.V4 {
		if n.Type == "public" && n.IPAddress != "" {
			return n.IPAddress
		}
	}
	return ""
}

// SSHKey is a key registered with the account.
type SSHKey struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
}

func (k SSHKey) String() string {
	return "SSHKey: name=" + k.Name + ",fingerprint=" + k.Fingerprint
}

// Account is the identity and quota snapshot of the authenticated account.
type Account struct {
	DropletLimit    int               `json:"droplet_limit"`
	FloatingIPLimit int               `json:"floating_ip_limit"`
	ReservedIPLimit int               `json:"reserved_ip_limit"`
	VolumeLimit     int               `json:"volume_limit"`
	Email           string            `json:"email"`
	Name            string            `json:"name"`
	UUID            string            `json:"uuid"`
	EmailVerified   bool              `json:"email_verified"`
	Status          string            `json:"status"`
	Team            map[string]string `json:"team"`
}

// Image is a distribution image offered by the provider.
type Image struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Slug         string `json:"slug"`
	Distribution string `json:"distribution"`
}

// CreateDropletRequest is the fully resolved input of a create call.
type CreateDropletRequest struct {
	Name           string
	Size           string
	Image          string
	Region         string
	Tags           []string
	SSHFingerprint string
	UserData       string
}

// ControlPlane is the contract of the external tool that mediates every
// provider API call. Implementations must be safe for concurrent use.
type ControlPlane interface {
	Account(ctx context.Context) (*Account, error)
	ListImages(ctx context.Context) ([]Image, error)
	ListDroplets(ctx context.Context) ([]Droplet, error)
	PublicIPv4(ctx context.Context, id int64) (string, error)
	CreateDroplet(ctx context.Context, req CreateDropletRequest) error
	DeleteDroplet(ctx context.Context, id int64) error
	ListSSHKeys(ctx context.Context) ([]SSHKey, error)
}
