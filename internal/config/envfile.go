package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/subosito/gotenv"
)

// EnvFile reads and updates a .env-style file in place.
//
// Updates rewrite only the lines of the keys being set. Comments, blank lines
// and unrelated keys are kept as they are. The file is replaced atomically
// and is only readable by its owner since it holds credentials.
type EnvFile struct {
	path string
	mu   sync.Mutex
}

// NewEnvFile returns an EnvFile for path. The file need not exist yet.
func NewEnvFile(path string) *EnvFile {
	if path == "" {
		path = DefaultEnvFile
	}
	return &EnvFile{path: path}
}

// Path returns the file path.
func (f *EnvFile) Path() string {
	return f.path
}

// Read parses the file. A missing file yields an empty map.
func (f *EnvFile) Read() (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}

	env, err := gotenv.StrictParse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.path, err)
	}
	return env, nil
}

// Set writes the given keys, replacing existing assignments and appending
// new ones in sorted order.
func (f *EnvFile) Set(values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read %s: %w", f.path, err)
	}

	var out bytes.Buffer
	seen := make(map[string]bool, len(values))
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if key, ok := lineKey(line); ok {
			if v, replace := values[key]; replace {
				if !seen[key] {
					out.WriteString(assignment(key, v))
					out.WriteByte('\n')
				}
				seen[key] = true
				continue
			}
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to scan %s: %w", f.path, err)
	}

	var missing []string
	for key := range values {
		if !seen[key] {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	for _, key := range missing {
		out.WriteString(assignment(key, values[key]))
		out.WriteByte('\n')
	}

	// Never replace a readable file with one the loader cannot parse.
	if _, err := gotenv.StrictParse(bytes.NewReader(out.Bytes())); err != nil {
		return fmt.Errorf("refusing to write unparsable %s: %w", f.path, err)
	}
	return writeAtomic(f.path, out.Bytes())
}

// PersistTokens stores a refreshed OAuth2 token pair.
func (f *EnvFile) PersistTokens(accessToken, refreshToken string) error {
	values := map[string]string{KeyAccessToken: accessToken}
	if refreshToken != "" {
		values[KeyRefreshToken] = refreshToken
	}
	return f.Set(values)
}

// lineKey returns the key assigned on line, if any.
func lineKey(line string) (string, bool) {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(s, "#") {
		return "", false
	}
	s = strings.TrimPrefix(s, "export ")
	i := strings.IndexAny(s, "=:")
	if i <= 0 {
		return "", false
	}
	return strings.TrimSpace(s[:i]), true
}

func assignment(key, value string) string {
	if value == "" || !strings.ContainsAny(value, " \t#\"'\\$") {
		return key + "=" + value
	}
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`).Replace(value)
	return key + `="` + escaped + `"`
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
