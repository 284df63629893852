package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *BoltKV {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltKV(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func stores(t *testing.T) map[string]KV {
	return map[string]KV{
		"bolt":   newTestStore(t),
		"memory": NewMemoryKV(),
	}
}

func TestPutAndGetString(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.PutString("nodes", "node0", "AA:BB:CC:DD:EE:FF,LDDEEFF,0"); err != nil {
				t.Fatal(err)
			}
			got, err := s.GetString("nodes", "node0")
			if err != nil {
				t.Fatal(err)
			}
			if got != "AA:BB:CC:DD:EE:FF,LDDEEFF,0" {
				t.Errorf("got %q", got)
			}
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetString("nodes", "count"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing namespace: err = %v, want ErrNotFound", err)
			}
			if err := s.PutUint("nodes", "count", 1); err != nil {
				t.Fatal(err)
			}
			if _, err := s.GetUint("nodes", "node7"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing key: err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestUint(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.PutUint("nodes", "count", 42); err != nil {
				t.Fatal(err)
			}
			got, err := s.GetUint("nodes", "count")
			if err != nil {
				t.Fatal(err)
			}
			if got != 42 {
				t.Errorf("count = %d, want 42", got)
			}
			if err := s.PutString("nodes", "bad", "forty"); err != nil {
				t.Fatal(err)
			}
			if _, err := s.GetUint("nodes", "bad"); err == nil {
				t.Error("expected parse error for non-numeric value")
			}
		})
	}
}

func TestReplaceDropsOldKeys(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.PutString("nodes", "node5", "stale"); err != nil {
				t.Fatal(err)
			}
			if err := s.Replace("nodes", map[string]string{"count": "1", "node0": "x"}); err != nil {
				t.Fatal(err)
			}
			if _, err := s.GetString("nodes", "node5"); !errors.Is(err, ErrNotFound) {
				t.Errorf("node5 should be gone, err = %v", err)
			}
			if n, err := s.GetUint("nodes", "count"); err != nil || n != 1 {
				t.Errorf("count = %d, %v", n, err)
			}
		})
	}
}

func TestClearAndDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s.PutString("nodes", "a", "1")
			s.PutString("nodes", "b", "2")
			s.PutString("other", "a", "3")

			if err := s.Delete("nodes", "a"); err != nil {
				t.Fatal(err)
			}
			if _, err := s.GetString("nodes", "a"); !errors.Is(err, ErrNotFound) {
				t.Error("deleted key still present")
			}
			if err := s.Clear("nodes"); err != nil {
				t.Fatal(err)
			}
			if _, err := s.GetString("nodes", "b"); !errors.Is(err, ErrNotFound) {
				t.Error("cleared namespace still has keys")
			}
			if v, err := s.GetString("other", "a"); err != nil || v != "3" {
				t.Errorf("other namespace affected: %q, %v", v, err)
			}
			// Clearing or deleting from a missing namespace is not an error.
			if err := s.Clear("missing"); err != nil {
				t.Errorf("Clear(missing) = %v", err)
			}
			if err := s.Delete("missing", "k"); err != nil {
				t.Errorf("Delete(missing) = %v", err)
			}
		})
	}
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	s, err := NewBoltKV(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutUint("nodes", "count", 3); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := NewBoltKV(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if n, err := s2.GetUint("nodes", "count"); err != nil || n != 3 {
		t.Errorf("count after reopen = %d, %v", n, err)
	}
}
