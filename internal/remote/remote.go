package remote

import "context"

// PathType classifies a path on the remote tree.
type PathType string

const (
	PathFile      PathType = "file"
	PathDirectory PathType = "directory"
	PathMissing   PathType = "missing"
)

// Entry is one listing result.
type Entry struct {
	Path string   `json:"path"`
	Type PathType `json:"type"`
	Size int64    `json:"size"`
}

// FileStore is the file tree tasks read and modify. Paths are relative
// to the store root. Write returns a backup reference for the replaced
// content, or empty when the file did not exist before.
type FileStore interface {
	Read(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, path, content string) (backupRef string, err error)
	List(ctx context.Context, path string, recursive bool) ([]Entry, error)
	Type(ctx context.Context, path string) (PathType, error)
	Restore(ctx context.Context, path, backupRef string) error
}
