package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Host key policies.
const (
	PolicyInsecure  = "insecure"
	PolicyAcceptNew = "accept-new"
	PolicyStrict    = "strict"
)

// EnsureKnownHostsFile makes sure the directory exists and the file is created.
func EnsureKnownHostsFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(""), 0600); err != nil {
			return fmt.Errorf("create known_hosts: %w", err)
		}
	}
	return nil
}

// AppendKnownHost appends a known_hosts entry for host using the given authorized key text.
func AppendKnownHost(path, host, authorizedKey string) error {
	pubKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return fmt.Errorf("parse authorized key: %w", err)
	}
	return appendKey(path, host, pubKey)
}

func appendKey(path, host string, key xssh.PublicKey) error {
	if err := EnsureKnownHostsFile(path); err != nil {
		return err
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(host)}, key)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// LoadKnownHostsCallback returns a strict host key callback using the given file.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}

// HostKeyCallback builds the callback for a policy. Under accept-new an
// unknown host is recorded in path and trusted; a changed key is still
// rejected.
func HostKeyCallback(policy, path string) (xssh.HostKeyCallback, error) {
	switch policy {
	case "", PolicyInsecure:
		return xssh.InsecureIgnoreHostKey(), nil
	case PolicyStrict:
		return LoadKnownHostsCallback(ExpandHome(path))
	case PolicyAcceptNew:
		return acceptNew(ExpandHome(path))
	default:
		return nil, fmt.Errorf("unknown host key policy %q", policy)
	}
}

func acceptNew(path string) (xssh.HostKeyCallback, error) {
	strict, err := LoadKnownHostsCallback(path)
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	accepted := map[string]xssh.PublicKey{}
	return func(hostname string, remote net.Addr, key xssh.PublicKey) error {
		err := strict(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		// knownhosts.New reads the file once, so remember what we added.
		if prev, ok := accepted[hostname]; ok {
			if string(prev.Marshal()) == string(key.Marshal()) {
				return nil
			}
			return fmt.Errorf("host key for %s changed since first use", hostname)
		}
		if err := appendKey(path, hostname, key); err != nil {
			return err
		}
		accepted[hostname] = key
		return nil
	}, nil
}
