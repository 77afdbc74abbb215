// Package usage keeps per-user counters of received audio bytes, persisted
// as a JSON object of user to byte count.
package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// Counter is safe for concurrent use.
type Counter struct {
	path string

	mu    sync.Mutex
	bytes map[string]int64
	dirty bool
}

// Load reads counters from path. A missing file starts empty.
func Load(path string) (*Counter, error) {
	c := &Counter{path: path, bytes: make(map[string]int64)}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read usage file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &c.bytes); err != nil {
			return nil, fmt.Errorf("decode usage file %s: %w", path, err)
		}
	}

	var total int64
	for _, n := range c.bytes {
		total += n
	}
	log.Info().
		Str("path", path).
		Int("users", len(c.bytes)).
		Str("total", humanize.Bytes(uint64(total))).
		Msg("Usage counters loaded")
	return c, nil
}

// Add counts n received bytes for user.
func (c *Counter) Add(user string, n int64) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.bytes[user] += n
	c.dirty = true
	c.mu.Unlock()
}

// Bytes returns the count for user.
func (c *Counter) Bytes(user string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes[user]
}

// Users returns the users with a counter, sorted.
func (c *Counter) Users() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]string, 0, len(c.bytes))
	for u := range c.bytes {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Save writes the counters if they changed since the last save. The file is
// replaced atomically.
func (c *Counter) Save() error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(c.bytes, "", "  ")
	c.dirty = false
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".usage-*.json")
	if err != nil {
		c.markDirty()
		return fmt.Errorf("write usage file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		c.markDirty()
		return fmt.Errorf("write usage file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		c.markDirty()
		return fmt.Errorf("write usage file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		c.markDirty()
		return fmt.Errorf("replace usage file: %w", err)
	}
	return nil
}

func (c *Counter) markDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}
