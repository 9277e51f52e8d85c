package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// TransferStats counts what a push or pull moved.
type TransferStats struct {
	Files int
	Bytes int64
}

// TextFileMode is the mode of files materialized from text, matching what a
// plain open(2) under the usual 022 umask produces.
const TextFileMode fs.FileMode = 0o644

// WriteTempText stores text in a new temporary file with TextFileMode so an
// upload of it keeps the remote copy world-readable. The caller removes it.
func WriteTempText(text string) (string, error) {
	f, err := os.CreateTemp("", "docluster-*.txt")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()
	_, werr := f.WriteString(text)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	// CreateTemp always uses 0600
	if err := os.Chmod(name, TextFileMode); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("chmod temp file: %w", err)
	}
	return name, nil
}

// PushPath uploads a local file or directory tree to remotePath via SFTP.
// A directory is mirrored: its contents land under remotePath.
func PushPath(ctx context.Context, client *xssh.Client, localPath, remotePath string) (TransferStats, error) {
	var stats TransferStats
	sf, err := sftp.NewClient(client)
	if err != nil {
		return stats, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	info, err := os.Stat(localPath)
	if err != nil {
		return stats, fmt.Errorf("stat local: %w", err)
	}
	if !info.IsDir() {
		if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
			return stats, fmt.Errorf("mkdir remote: %w", err)
		}
		n, err := pushFile(sf, localPath, remotePath, info.Mode().Perm())
		if err != nil {
			return stats, err
		}
		return TransferStats{Files: 1, Bytes: n}, nil
	}

	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))
		if d.IsDir() {
			if err := sf.MkdirAll(target); err != nil {
				return fmt.Errorf("mkdir remote %s: %w", target, err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		n, err := pushFile(sf, p, target, fi.Mode().Perm())
		if err != nil {
			return err
		}
		stats.Files++
		stats.Bytes += n
		return nil
	})
	return stats, err
}

func pushFile(sf *sftp.Client, localPath, remotePath string, perm fs.FileMode) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("create remote %s: %w", remotePath, err)
	}
	defer dst.Close()
	n, err := io.Copy(dst, src)
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", localPath, err)
	}
	if err := sf.Chmod(remotePath, perm); err != nil {
		return n, fmt.Errorf("chmod remote %s: %w", remotePath, err)
	}
	return n, nil
}

// PullPath downloads a remote file or directory tree to localPath via SFTP.
func PullPath(ctx context.Context, client *xssh.Client, remotePath, localPath string) (TransferStats, error) {
	var stats TransferStats
	sf, err := sftp.NewClient(client)
	if err != nil {
		return stats, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	info, err := sf.Stat(remotePath)
	if err != nil {
		return stats, fmt.Errorf("stat remote: %w", err)
	}
	if !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return stats, fmt.Errorf("mkdir local: %w", err)
		}
		n, err := pullFile(sf, remotePath, localPath, info.Mode().Perm())
		if err != nil {
			return stats, err
		}
		return TransferStats{Files: 1, Bytes: n}, nil
	}

	walker := sf.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return stats, fmt.Errorf("walk remote: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rel, err := filepath.Rel(filepath.FromSlash(remotePath), filepath.FromSlash(walker.Path()))
		if err != nil {
			return stats, err
		}
		target := filepath.Join(localPath, rel)
		fi := walker.Stat()
		if fi.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return stats, fmt.Errorf("mkdir local: %w", err)
			}
			continue
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		n, err := pullFile(sf, walker.Path(), target, fi.Mode().Perm())
		if err != nil {
			return stats, err
		}
		stats.Files++
		stats.Bytes += n
	}
	return stats, nil
}

func pullFile(sf *sftp.Client, remotePath, localPath string, perm fs.FileMode) (int64, error) {
	src, err := sf.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer src.Close()
	dst, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return 0, fmt.Errorf("create local: %w", err)
	}
	defer dst.Close()
	n, err := io.Copy(dst, src)
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", remotePath, err)
	}
	return n, nil
}
