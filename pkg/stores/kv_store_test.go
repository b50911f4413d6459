package stores

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func setupTestKV(t *testing.T) *KVStore {
	t.Helper()

	kv, err := OpenKV(InMemoryKVConfig())
	if err != nil {
		t.Fatalf("failed to open kv store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestKVGetPutDelete(t *testing.T) {
	kv := setupTestKV(t)

	if _, err := kv.Get("missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	if err := kv.PutJSON("app_state", map[string]int{"a": 1}); err != nil {
		t.Fatalf("failed to put: %v", err)
	}

	var got map[string]int
	if err := kv.GetJSON("app_state", &got); err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got["a"] != 1 {
		t.Errorf("unexpected value: %v", got)
	}

	if err := kv.Delete("app_state"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := kv.Get("app_state"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected key gone, got %v", err)
	}
}

func TestOpenKVRequiresPath(t *testing.T) {
	if _, err := OpenKV(KVConfig{}); err == nil {
		t.Fatal("expected error without path")
	}
}

func items(start, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("%d", start+i))
	}
	return out
}

func TestAppendCappedEvictsInChunks(t *testing.T) {
	kv := setupTestKV(t)

	n, err := kv.AppendCapped(KeyErrorLog, items(0, 200), 200, 50)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if n != 200 {
		t.Fatalf("expected 200, got %d", n)
	}

	n, err = kv.AppendCapped(KeyErrorLog, items(200, 1), 200, 50)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if n != 151 {
		t.Fatalf("expected oldest 50 evicted leaving 151, got %d", n)
	}

	var list []int
	if err := kv.GetJSON(KeyErrorLog, &list); err != nil {
		t.Fatalf("failed to read list: %v", err)
	}
	if list[0] != 50 || list[len(list)-1] != 200 {
		t.Errorf("unexpected survivors: first=%d last=%d", list[0], list[len(list)-1])
	}
}

func TestAppendCappedRing(t *testing.T) {
	kv := setupTestKV(t)

	for i := 0; i < 60; i++ {
		if _, err := kv.AppendCapped(KeySecurityIncidents, items(i, 1), 50, 0); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	var list []json.RawMessage
	if err := kv.GetJSON(KeySecurityIncidents, &list); err != nil {
		t.Fatalf("failed to read ring: %v", err)
	}
	if len(list) != 50 {
		t.Fatalf("expected ring capped at 50, got %d", len(list))
	}
	if string(list[0]) != "10" {
		t.Errorf("expected oldest survivor 10, got %s", list[0])
	}
}

func TestDeletePrefix(t *testing.T) {
	kv := setupTestKV(t)

	for _, k := range []string{"app_a", "app_b", "plantuml_diagram", KeySecurityIncidents, "session_id"} {
		if err := kv.Put(k, []byte("1")); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	removed, err := kv.PurgeKeys([]string{"app_", "plantuml_"})
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 3 removed, got %d", removed)
	}

	keys, err := kv.Keys("")
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected security and session keys to survive, got %v", keys)
	}
}
