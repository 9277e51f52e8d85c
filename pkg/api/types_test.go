package api

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClusterSpecCount(t *testing.T) {
	p := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
name: worker
count: 3
tags: [test, batch]
size: s-1vcpu-1gb
packages: [htop]
install:
  - echo ready > /root/ready
`), 0o600))

	s, err := LoadClusterSpec(p)
	require.NoError(t, err)
	members := s.Members()
	require.Len(t, members, 3)
	assert.Equal(t, "worker-1", members[0].Name)
	assert.Equal(t, "worker-3", members[2].Name)
	assert.Equal(t, []string{"test", "batch"}, members[1].Tags)
	assert.Equal(t, "s-1vcpu-1gb", members[1].Size)
	assert.Equal(t, []string{"htop"}, s.Packages)
}

func TestMembersInheritAndMerge(t *testing.T) {
	s := &ClusterSpec{
		Tags:   []string{"cluster"},
		Region: "ams3",
		Droplets: []DropletSpec{
			{Name: "db", Tags: []string{"db", "cluster"}, Region: "fra1"},
			{Name: "web"},
		},
	}
	require.NoError(t, s.Validate())
	m := s.Members()
	assert.Equal(t, []string{"cluster", "db"}, m[0].Tags)
	assert.Equal(t, "fra1", m[0].Region)
	assert.Equal(t, "ams3", m[1].Region)
}

func TestValidateRejectsEmptySpec(t *testing.T) {
	assert.Error(t, (&ClusterSpec{}).Validate())
	assert.Error(t, (&ClusterSpec{Droplets: []DropletSpec{{}}}).Validate())
	assert.Error(t, (&ClusterSpec{Name: "x", Count: 1, Files: []FileSpec{{Local: "a"}}}).Validate())
}
