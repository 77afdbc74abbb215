package usage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestCounter_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users_bytes.json")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load of missing file failed: %v", err)
	}
	c.Add("alice", 3200)
	c.Add("alice", 1920)
	c.Add("bob", 100)
	c.Add("bob", 0)

	if err := c.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("saved file is not a JSON object: %v", err)
	}
	if raw["alice"] != 5120 || raw["bob"] != 100 {
		t.Errorf("unexpected saved counters: %v", raw)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := reloaded.Bytes("alice"); got != 5120 {
		t.Errorf("expected 5120 for alice after reload, got %d", got)
	}
	users := reloaded.Users()
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Errorf("unexpected users: %v", users)
	}
}

func TestCounter_SaveWithoutChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users_bytes.json")
	c, _ := Load(path)

	if err := c.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected no file written for unchanged counters, got %v", err)
	}
}

func TestLoad_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users_bytes.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for corrupt usage file")
	}
}

func TestCounter_ConcurrentAdd(t *testing.T) {
	c, _ := Load(filepath.Join(t.TempDir(), "u.json"))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Add("carol", 10)
		}()
	}
	wg.Wait()
	if got := c.Bytes("carol"); got != 500 {
		t.Errorf("expected 500, got %d", got)
	}
}
