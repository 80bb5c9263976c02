package credential

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// FileBackend keeps credential keys in a dotenv file. Unrelated keys in the
// file are preserved. Writes go to a temp file that is renamed into place, so
// readers see either the old or the new file, never a mix.
type FileBackend struct {
	path string
	mu   sync.RWMutex
}

// NewFileBackend creates a dotenv file backend at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Load(_ context.Context, keys []string) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	all, err := b.readAll()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := all[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (b *FileBackend) Save(_ context.Context, values map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	all, err := b.readAll()
	if err != nil {
		return err
	}
	for k, v := range values {
		all[k] = v
	}
	return b.writeAll(all)
}

func (b *FileBackend) Delete(_ context.Context, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	all, err := b.readAll()
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(all, k)
	}
	return b.writeAll(all)
}

func (b *FileBackend) readAll() (map[string]string, error) {
	values, err := godotenv.Read(b.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("credential: read %s: %w", b.path, err)
	}
	return values, nil
}

func (b *FileBackend) writeAll(values map[string]string) error {
	content, err := encodeEnv(values)
	if err != nil {
		return err
	}

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, ".credential-*")
	if err != nil {
		return fmt.Errorf("credential: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("credential: chmod temp file: %w", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("credential: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credential: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("credential: replace %s: %w", b.path, err)
	}
	return nil
}

// envEscaper undoes exactly what godotenv.Read does to a double-quoted value:
// escape sequences and $ expansion.
var envEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	`$`, `\$`,
)

// encodeEnv writes every value double-quoted so godotenv.Read returns it
// unchanged. godotenv.Marshal leaves integer-looking values bare, and the
// reader would then normalise "007" to "7".
func encodeEnv(values map[string]string) (string, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := values[k]
		// godotenv treats a quote after a backslash as escaped, so a value
		// ending in a backslash has no readable encoding.
		if strings.HasSuffix(v, `\`) {
			return "", fmt.Errorf("credential: value for %s ends with a backslash and cannot be stored in an env file", k)
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(envEscaper.Replace(v))
		b.WriteString("\"\n")
	}
	return b.String(), nil
}
