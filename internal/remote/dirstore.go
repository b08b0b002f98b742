package remote

import (
	"context"
	"crypto/rand"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/genba/internal/config"
	genbaErrors "github.com/harunnryd/genba/internal/errors"
	"github.com/harunnryd/genba/internal/pathutil"
)

const backupDirName = ".genba-backups"

// DirStore serves a directory tree on the local filesystem. Every
// overwrite first copies the old content into a backup file under
// .genba-backups, named by a ULID so restores can address an exact
// prior version.
type DirStore struct {
	root      string
	backupDir string
}

func NewDirStore(cfg config.RemoteConfig) (*DirStore, error) {
	root, err := pathutil.Expand(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("expand remote root: %w", err)
	}
	if root == "" {
		return nil, genbaErrors.InvalidInput("remote root path is required")
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat remote root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, genbaErrors.InvalidInput("remote root is not a directory: " + root)
	}

	backupDir := filepath.Join(root, backupDirName)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	return &DirStore{root: root, backupDir: backupDir}, nil
}

// resolve maps a relative path into the root and refuses escapes.
func (s *DirStore) resolve(path string) (string, error) {
	cleaned := filepath.Clean("/" + path)
	full := filepath.Join(s.root, cleaned)
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", genbaErrors.InvalidInput("path escapes remote root: " + path)
	}
	return full, nil
}

func (s *DirStore) Read(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", genbaErrors.NotFound("file " + path)
		}
		return "", genbaErrors.Transient("read " + path + ": " + err.Error())
	}
	return string(data), nil
}

func (s *DirStore) Write(ctx context.Context, path, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}

	backupRef := ""
	if prev, err := os.ReadFile(full); err == nil {
		backupRef, err = s.storeBackup(path, prev)
		if err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", genbaErrors.Transient("read before write " + path + ": " + err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", genbaErrors.Transient("create parent dirs for " + path + ": " + err.Error())
	}
	if err := atomic.WriteFile(full, strings.NewReader(content)); err != nil {
		return "", genbaErrors.Transient("write " + path + ": " + err.Error())
	}

	return backupRef, nil
}

func (s *DirStore) List(ctx context.Context, path string, recursive bool) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, genbaErrors.NotFound("path " + path)
		}
		return nil, genbaErrors.Transient("stat " + path + ": " + err.Error())
	}
	if !info.IsDir() {
		return nil, genbaErrors.InvalidInput("not a directory: " + path)
	}

	var entries []Entry
	if recursive {
		err = filepath.WalkDir(full, func(p string, d fs.DirEntry, werr error) error {
			if werr != nil {
				return werr
			}
			if p == full {
				return nil
			}
			if d.IsDir() && d.Name() == backupDirName {
				return filepath.SkipDir
			}
			entries = append(entries, s.entryFor(p, d))
			return nil
		})
	} else {
		var dirents []fs.DirEntry
		dirents, err = os.ReadDir(full)
		for _, d := range dirents {
			if d.IsDir() && d.Name() == backupDirName {
				continue
			}
			entries = append(entries, s.entryFor(filepath.Join(full, d.Name()), d))
		}
	}
	if err != nil {
		return nil, genbaErrors.Transient("list " + path + ": " + err.Error())
	}

	return entries, nil
}

func (s *DirStore) entryFor(full string, d fs.DirEntry) Entry {
	rel, _ := filepath.Rel(s.root, full)
	e := Entry{Path: rel, Type: PathFile}
	if d.IsDir() {
		e.Type = PathDirectory
	} else if info, err := d.Info(); err == nil {
		e.Size = info.Size()
	}
	return e
}

func (s *DirStore) Type(ctx context.Context, path string) (PathType, error) {
	if err := ctx.Err(); err != nil {
		return PathMissing, err
	}

	full, err := s.resolve(path)
	if err != nil {
		return PathMissing, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return PathMissing, nil
		}
		return PathMissing, genbaErrors.Transient("stat " + path + ": " + err.Error())
	}
	if info.IsDir() {
		return PathDirectory, nil
	}
	return PathFile, nil
}

// Restore copies the backed-up content for ref back over path. An empty
// ref means the file did not exist before the write, so restoring
// deletes it.
func (s *DirStore) Restore(ctx context.Context, path, backupRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	full, err := s.resolve(path)
	if err != nil {
		return err
	}

	if backupRef == "" {
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return genbaErrors.Transient("remove " + path + ": " + err.Error())
		}
		return nil
	}

	data, err := os.ReadFile(filepath.Join(s.backupDir, backupRef))
	if err != nil {
		if os.IsNotExist(err) {
			return genbaErrors.NotFound("backup " + backupRef)
		}
		return genbaErrors.Transient("read backup " + backupRef + ": " + err.Error())
	}

	if err := atomic.WriteFile(full, strings.NewReader(string(data))); err != nil {
		return genbaErrors.Transient("restore " + path + ": " + err.Error())
	}
	return nil
}

func (s *DirStore) storeBackup(path string, content []byte) (string, error) {
	id := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
	name := id + "_" + sanitizeBackupName(path)

	if err := atomic.WriteFile(filepath.Join(s.backupDir, name), strings.NewReader(string(content))); err != nil {
		return "", genbaErrors.Transient("store backup for " + path + ": " + err.Error())
	}
	return name, nil
}

func sanitizeBackupName(path string) string {
	r := strings.NewReplacer("/", "__", "\\", "__", ":", "_")
	return r.Replace(strings.TrimPrefix(filepath.Clean("/"+path), "/"))
}
