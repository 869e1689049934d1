package shell

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// TransferDirectory uploads the tree at local into remote over SFTP. Remote
// directories are created on demand. Entries whose slash-separated path relative
// to local equals or lies under an exclude entry, or whose base name matches an
// exclude glob, are skipped.
func (s *Session) TransferDirectory(ctx context.Context, local, remote string, exclude []string) error {
	info, err := os.Stat(local)
	if err != nil {
		return &RemoteShellError{Op: OpTransfer, Host: s.Addr(), Err: fmt.Errorf("failed to stat %s: %w", local, err)}
	}
	if !info.IsDir() {
		return &RemoteShellError{Op: OpTransfer, Host: s.Addr(), Err: fmt.Errorf("%s is not a directory", local)}
	}

	client, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}
	defer s.touch()

	var files int
	err = filepath.WalkDir(local, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(local, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && excluded(rel, exclude) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		target := remote
		if rel != "." {
			target = path.Join(remote, rel)
		}

		if d.IsDir() {
			if err := client.MkdirAll(target); err != nil {
				return fmt.Errorf("failed to create remote directory %s: %w", target, err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := uploadFile(client, p, target); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return &RemoteShellError{Op: OpTransfer, Host: s.Addr(), Err: err}
	}

	log.Debug().Str("host", s.Addr()).Str("local", local).Str("remote", remote).Int("files", files).Msg("directory transferred")
	return nil
}

func uploadFile(client *sftp.Client, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	// WalkDir visits parents first, but the root may be a pre-existing remote dir.
	if err := client.MkdirAll(path.Dir(remote)); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", path.Dir(remote), err)
	}

	dst, err := client.Create(remote)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remote, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("failed to upload %s: %w", local, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to upload %s: %w", local, err)
	}
	if err := client.Chmod(remote, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", remote, err)
	}
	return nil
}

func excluded(rel string, exclude []string) bool {
	base := path.Base(rel)
	for _, ex := range exclude {
		ex = strings.Trim(filepath.ToSlash(ex), "/")
		if ex == "" {
			continue
		}
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return true
		}
		if ok, _ := path.Match(ex, base); ok {
			return true
		}
	}
	return false
}
