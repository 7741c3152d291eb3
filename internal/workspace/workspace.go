// Package workspace manages the host directories behind sandboxes and pods:
// code directories bind-mounted into containers and per-namespace storage
// backing pod volumes.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// FileInfo represents information about a file or directory.
type FileInfo struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	IsDir      bool      `json:"is_dir"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Manager hands out directories under a single storage root.
type Manager struct {
	root        string
	codeRoot    string
	storageRoot string
}

// NewManager creates the code and storage trees under root.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		return nil, errors.New("storage root cannot be empty")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}

	m := &Manager{
		root:        root,
		codeRoot:    filepath.Join(root, "code"),
		storageRoot: filepath.Join(root, "volumes"),
	}
	for _, dir := range []string{m.codeRoot, m.storageRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return m, nil
}

// Root returns the storage root.
func (m *Manager) Root() string {
	return m.root
}

// CodeDir returns the code directory for a sandbox, creating it if needed.
// A non-empty requested path is used as given when absolute, or resolved
// inside the code tree otherwise.
func (m *Manager) CodeDir(id types.Identity, requested string) (string, error) {
	var dir string
	switch {
	case requested != "" && filepath.IsAbs(requested):
		dir = filepath.Clean(requested)
	case requested != "":
		p, err := securejoin.SecureJoin(m.codeRoot, requested)
		if err != nil {
			return "", types.InvalidArgument("code_dir", err.Error())
		}
		dir = p
	default:
		p, err := securejoin.SecureJoin(m.codeRoot, IdentitySlug(id, 63, "sb-"))
		if err != nil {
			return "", err
		}
		dir = p
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create code directory: %w", err)
	}
	return dir, nil
}

// StoragePath returns the host path backing a namespace's volume. The path
// is not created.
func (m *Manager) StoragePath(namespace string) (string, error) {
	if namespace == "" {
		return "", types.InvalidArgument("storage_path", "namespace is required")
	}
	return securejoin.SecureJoin(m.storageRoot, namespace)
}

// EnsureStorage creates the namespace's storage directory.
func (m *Manager) EnsureStorage(namespace string) (string, error) {
	path, err := m.StoragePath(namespace)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, 0777); err != nil {
		return "", fmt.Errorf("failed to create storage directory: %w", err)
	}
	return path, nil
}

// RemoveStorage deletes the namespace's storage directory. A missing
// directory is not an error.
func (m *Manager) RemoveStorage(namespace string) error {
	path, err := m.StoragePath(namespace)
	if err != nil {
		return err
	}
	if path == m.storageRoot {
		return fmt.Errorf("refusing to remove storage root")
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove storage directory: %w", err)
	}
	logging.Info("Storage removed", logging.String("namespace", namespace), logging.String("path", path))
	return nil
}

// resolve joins rel onto base without escaping it.
func resolve(base, rel string) (string, error) {
	if base == "" {
		return "", types.InvalidArgument("path", "base directory is required")
	}
	p, err := securejoin.SecureJoin(base, rel)
	if err != nil {
		return "", types.InvalidArgument("path", err.Error())
	}
	return p, nil
}

// ListFiles lists entries under rel in base, descending at most depth levels.
func ListFiles(base, rel string, depth int) ([]FileInfo, error) {
	target, err := resolve(base, rel)
	if err != nil {
		return nil, err
	}
	if depth < 1 {
		depth = 1
	}

	var files []FileInfo
	err = filepath.WalkDir(target, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if p == target && os.IsNotExist(err) {
				return fs404(rel)
			}
			return err
		}
		if p == target {
			return nil
		}
		relPath, _ := filepath.Rel(base, p)
		level := strings.Count(filepath.ToSlash(mustRel(target, p)), "/") + 1
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, FileInfo{
			Path:       filepath.ToSlash(relPath),
			Name:       d.Name(),
			IsDir:      d.IsDir(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
		if d.IsDir() && level >= depth {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []FileInfo{}
	}
	return files, nil
}

func mustRel(base, p string) string {
	r, err := filepath.Rel(base, p)
	if err != nil {
		return p
	}
	return r
}

func fs404(rel string) error {
	return fmt.Errorf("%s: %w", rel, types.ErrNotFound)
}

// ReadFile opens a file under base for reading.
func ReadFile(base, rel string) (io.ReadCloser, error) {
	p, err := resolve(base, rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fs404(rel)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// WriteFile creates or replaces a file under base, creating parents.
func WriteFile(base, rel string, content io.Reader) error {
	p, err := resolve(base, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, content); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// identitySlug prefers the project id and appends the conversation id.
func identitySlug(id types.Identity) string {
	switch {
	case id.ProjectID != "" && id.ConversationID != "":
		return "p-" + id.ProjectID + "-c-" + id.ConversationID
	case id.ProjectID != "":
		return "p-" + id.ProjectID
	default:
		return "c-" + id.ConversationID
	}
}

// Slug lowercases s, replaces characters outside [a-z0-9-] with '-',
// collapses runs of '-', truncates to max and prepends prefix when the
// result would not start with a letter.
func Slug(s string, max int, prefix string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" || out[0] < 'a' || out[0] > 'z' {
		out = prefix + out
	}
	if len(out) > max {
		out = out[:max]
	}
	return strings.TrimRight(out, "-")
}

// IdentitySlug returns the deterministic slug for id, at most max long.
// Identifiers made only of [a-z0-9] that fit keep their readable slug.
// Anything Slug would rewrite or truncate gets "--" and a hash of the
// identity key appended instead, so distinct identities never share a
// slug. Plain slugs never contain "--".
func IdentitySlug(id types.Identity, max int, prefix string) string {
	raw := identitySlug(id)
	if plainID(id.ProjectID) && plainID(id.ConversationID) && len(raw) <= max {
		return raw
	}
	sum := sha256.Sum256([]byte(id.Key()))
	suffix := "--" + hex.EncodeToString(sum[:])[:identityHashLen]
	return Slug(raw, max-len(suffix), prefix) + suffix
}

const identityHashLen = 10

func plainID(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
