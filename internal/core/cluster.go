package core

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Cluster is a set of droplets handled together. Droplets holds the members
// that exist; Failed maps requested names that could not be created to the
// reason. A name is never in both.
type Cluster struct {
	Droplets []*Droplet
	Failed   map[string]error

	o *Orchestrator
}

func newCluster(o *Orchestrator) *Cluster {
	return &Cluster{Failed: map[string]error{}, o: o}
}

// Len counts only successful members.
func (c *Cluster) Len() int { return len(c.Droplets) }

func (c *Cluster) Empty() bool { return len(c.Droplets) == 0 }

func (c *Cluster) Names() []string {
	names := make([]string, 0, len(c.Droplets))
	for _, d := range c.Droplets {
		names = append(names, d.Name)
	}
	return names
}

func (c *Cluster) String() string {
	s := fmt.Sprintf("Cluster(%s)", strings.Join(c.Names(), ", "))
	if len(c.Failed) > 0 {
		s += fmt.Sprintf(" failed: %s", strings.Join(slices.Sorted(maps.Keys(c.Failed)), ", "))
	}
	return s
}

func (c *Cluster) sort() {
	slices.SortFunc(c.Droplets, func(a, b *Droplet) int { return strings.Compare(a.Name, b.Name) })
}

func (c *Cluster) RunCommand(ctx context.Context, cmd string) map[*Droplet]Result[CommandResult] {
	return c.o.RunCommand(ctx, c.Droplets, cmd)
}

func (c *Cluster) CopyTo(ctx context.Context, localPath, remotePath, chmod string) map[*Droplet]Result[TransferResult] {
	return c.o.CopyTo(ctx, c.Droplets, localPath, remotePath, chmod)
}

func (c *Cluster) CopyFrom(ctx context.Context, remotePath, localDir string) map[*Droplet]Result[TransferResult] {
	return c.o.CopyFrom(ctx, c.Droplets, remotePath, localDir)
}

func (c *Cluster) CopyTextTo(ctx context.Context, text, remotePath, chmod string) map[*Droplet]Result[TransferResult] {
	return c.o.CopyTextTo(ctx, c.Droplets, text, remotePath, chmod)
}

func (c *Cluster) CopyTextFrom(ctx context.Context, remotePath string) map[*Droplet]Result[string] {
	return c.o.CopyTextFrom(ctx, c.Droplets, remotePath)
}

// Delete removes every member and verifies they are gone.
func (c *Cluster) Delete(ctx context.Context) (map[*Droplet]Result[DeleteOutcome], error) {
	return c.o.DeleteHosts(ctx, c.Droplets)
}
