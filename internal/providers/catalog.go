package providers

import (
	"fmt"
	"slices"
	"strings"
)

// Catalog is the static table of droplet sizes, images and regions a create
// request may name. It is data, not an API call: refresh it by editing the
// tables below.
type Catalog struct {
	Regions []string
	Images  []string
	Sizes   []string
}

// DefaultCatalog returns the known DigitalOcean slugs.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Regions: []string{
			"nyc1", "nyc2", "nyc3", "sfo2", "sfo3", "ams3", "sgp1",
			"lon1", "fra1", "tor1", "blr1", "syd1", "atl1",
		},
		Images: []string{
			"ubuntu-24-10-x64", "ubuntu-24-04-x64", "ubuntu-22-04-x64", "ubuntu-20-04-x64",
			"debian-12-x64", "debian-11-x64", "fedora-40-x64", "rockylinux-9-x64",
			"almalinux-9-x64", "centos-stream-9-x64",
		},
		// Anything with c-* is CPU optimized with 10GbE networking.
		Sizes: []string{
			"s-1vcpu-512mb-10gb", "s-1vcpu-1gb", "s-1vcpu-1gb-amd", "s-1vcpu-1gb-intel",
			"s-1vcpu-1gb-35gb-intel", "s-1vcpu-2gb", "s-1vcpu-2gb-amd", "s-1vcpu-2gb-intel",
			"s-1vcpu-2gb-70gb-intel", "s-2vcpu-2gb", "s-2vcpu-2gb-amd", "s-2vcpu-2gb-intel",
			"s-2vcpu-2gb-90gb-intel", "s-2vcpu-4gb", "s-2vcpu-4gb-amd", "s-2vcpu-4gb-intel",
			"s-2vcpu-4gb-120gb-intel", "s-2vcpu-8gb-amd", "c-2", "c2-2vcpu-4gb",
			"s-2vcpu-8gb-160gb-intel", "s-4vcpu-8gb", "s-4vcpu-8gb-amd", "s-4vcpu-8gb-intel",
			"g-2vcpu-8gb", "s-4vcpu-8gb-240gb-intel", "gd-2vcpu-8gb", "g-2vcpu-8gb-intel",
			"gd-2vcpu-8gb-intel", "s-4vcpu-16gb-amd", "m-2vcpu-16gb", "c-4", "c2-4vcpu-8gb",
			"s-4vcpu-16gb-320gb-intel", "s-8vcpu-16gb", "m-2vcpu-16gb-intel", "m3-2vcpu-16gb",
			"c-4-intel", "m3-2vcpu-16gb-intel", "s-8vcpu-16gb-amd", "s-8vcpu-16gb-intel",
			"c2-4vcpu-8gb-intel", "g-4vcpu-16gb", "s-8vcpu-16gb-480gb-intel",
			"so-2vcpu-16gb-intel", "so-2vcpu-16gb", "m6-2vcpu-16gb", "gd-4vcpu-16gb",
			"so1_5-2vcpu-16gb-intel", "g-4vcpu-16gb-intel", "gd-4vcpu-16gb-intel",
			"so1_5-2vcpu-16gb", "s-8vcpu-32gb-amd", "m-4vcpu-32gb", "c-8", "c2-8vcpu-16gb",
			"s-8vcpu-32gb-640gb-intel", "m-4vcpu-32gb-intel", "m3-4vcpu-32gb",
		},
	}
}

// ValidateCreateRequest checks the slugs of a create request against the catalog.
func (c *Catalog) ValidateCreateRequest(req CreateDropletRequest) error {
	if req.Name == "" {
		return ValidationError{Field: "name", Value: "", Message: "droplet name is required"}
	}
	if err := c.validate("region", req.Region, c.Regions); err != nil {
		return err
	}
	if err := c.validate("image", req.Image, c.Images); err != nil {
		return err
	}
	return c.validate("size", req.Size, c.Sizes)
}

func (c *Catalog) validate(field, value string, valid []string) error {
	if value == "" {
		return ValidationError{Field: field, Value: value, Message: field + " is required"}
	}
	if slices.Contains(valid, value) {
		return nil
	}
	return ValidationError{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("unknown %s. Valid values: %s", field, strings.Join(valid, ", ")),
	}
}
