// Package api holds the public file formats read by docluster.
package api

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClusterSpec describes a cluster to create. Members are either listed in
// Droplets or generated as <name>-1 .. <name>-<count>; either way they
// inherit the cluster-wide tags, sizes and provisioning steps.
type ClusterSpec struct {
	Name     string        `json:"name" yaml:"name"`
	Count    int           `json:"count" yaml:"count"`
	Tags     []string      `json:"tags" yaml:"tags"`
	Size     string        `json:"size" yaml:"size"`
	Image    string        `json:"image" yaml:"image"`
	Region   string        `json:"region" yaml:"region"`
	Droplets []DropletSpec `json:"droplets" yaml:"droplets"`

	// Packages and RunCmd become cloud-init user data.
	Packages []string `json:"packages" yaml:"packages"`
	RunCmd   []string `json:"runcmd" yaml:"runcmd"`

	// Files are uploaded and Install commands run, in order, once each
	// droplet is ready.
	Files   []FileSpec `json:"files" yaml:"files"`
	Install []string   `json:"install" yaml:"install"`
}

type DropletSpec struct {
	Name   string   `json:"name" yaml:"name"`
	Tags   []string `json:"tags" yaml:"tags"`
	Size   string   `json:"size" yaml:"size"`
	Image  string   `json:"image" yaml:"image"`
	Region string   `json:"region" yaml:"region"`
}

type FileSpec struct {
	Local  string `json:"local" yaml:"local"`
	Remote string `json:"remote" yaml:"remote"`
	Chmod  string `json:"chmod" yaml:"chmod"`
}

// LoadClusterSpec reads and validates a YAML cluster spec.
func LoadClusterSpec(path string) (*ClusterSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster spec: %w", err)
	}
	var s ClusterSpec
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse cluster spec: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *ClusterSpec) Validate() error {
	if len(s.Droplets) == 0 {
		if s.Name == "" || s.Count <= 0 {
			return errors.New("cluster spec: need droplets or a name and positive count")
		}
	}
	for i, d := range s.Droplets {
		if d.Name == "" {
			return fmt.Errorf("cluster spec: droplet %d has no name", i)
		}
	}
	for i, f := range s.Files {
		if f.Local == "" || f.Remote == "" {
			return fmt.Errorf("cluster spec: file %d needs local and remote", i)
		}
	}
	return nil
}

// Members expands the spec into one entry per droplet with cluster-wide
// settings filled in. Tags are the union of cluster and droplet tags.
func (s *ClusterSpec) Members() []DropletSpec {
	list := s.Droplets
	if len(list) == 0 {
		list = make([]DropletSpec, s.Count)
		for i := range list {
			list[i].Name = fmt.Sprintf("%s-%d", s.Name, i+1)
		}
	}
	out := make([]DropletSpec, 0, len(list))
	for _, d := range list {
		m := DropletSpec{
			Name:   d.Name,
			Size:   pick(d.Size, s.Size),
			Image:  pick(d.Image, s.Image),
			Region: pick(d.Region, s.Region),
		}
		m.Tags = append(m.Tags, s.Tags...)
		for _, t := range d.Tags {
			if !slices.Contains(m.Tags, t) {
				m.Tags = append(m.Tags, t)
			}
		}
		out = append(out, m)
	}
	return out
}

func pick(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
