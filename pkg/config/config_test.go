package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cccs-substrate/cccs/pkg/contracts"
)

func TestGetConfig_Precedence(t *testing.T) {
	m, err := NewMerger(contracts.ConfigLayers{
		Local:   map[string]interface{}{"a": "local"},
		Tenant:  map[string]interface{}{"a": "tenant", "b": "tenant"},
		Product: map[string]interface{}{"a": "product", "b": "product", "c": "product"},
	})
	if err != nil {
		t.Fatal(err)
	}

	r := m.GetConfig("a", nil, nil)
	if r.Value != "local" || r.SourceLayers[0] != "local" {
		t.Fatalf("expected local to win, got %+v", r)
	}

	r = m.GetConfig("b", nil, nil)
	if r.Value != "tenant" {
		t.Fatalf("expected tenant fallback, got %+v", r)
	}

	r = m.GetConfig("c", nil, nil)
	if r.Value != "product" {
		t.Fatalf("expected product fallback, got %+v", r)
	}
}

func TestGetConfig_OverridesBeatEverything(t *testing.T) {
	m, err := NewMerger(contracts.ConfigLayers{
		Local: map[string]interface{}{"a": "local"},
	})
	if err != nil {
		t.Fatal(err)
	}

	r := m.GetConfig("a", nil, map[string]interface{}{"a": "override"})
	if r.Value != "override" || r.SourceLayers[0] != "overrides" {
		t.Fatalf("expected override to win, got %+v", r)
	}
}

func TestGetConfig_Gap(t *testing.T) {
	m, err := NewMerger(contracts.ConfigLayers{})
	if err != nil {
		t.Fatal(err)
	}
	r := m.GetConfig("missing", nil, nil)
	if !r.ConfigGap {
		t.Fatal("expected config_gap for an absent key")
	}
	if r.Value != nil {
		t.Fatalf("expected nil value on gap, got %v", r.Value)
	}
}

func TestGetConfig_ScopeRestrictsSearch(t *testing.T) {
	m, err := NewMerger(contracts.ConfigLayers{
		Tenant:  map[string]interface{}{"a": "tenant"},
		Product: map[string]interface{}{"a": "product"},
	})
	if err != nil {
		t.Fatal(err)
	}

	r := m.GetConfig("a", []string{"product"}, nil)
	if r.Value != "product" {
		t.Fatalf("expected scope to skip tenant and hit product, got %+v", r)
	}
}

func TestLoadMergerFromYAML_MissingFileIsEmptyLayer(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "local.yaml")
	if err := os.WriteFile(localPath, []byte("a: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadMergerFromYAML(localPath, filepath.Join(dir, "missing-tenant.yaml"), "")
	if err != nil {
		t.Fatal(err)
	}

	r := m.GetConfig("a", nil, nil)
	if r.Value.(int) != 1 {
		t.Fatalf("expected local value 1, got %v", r.Value)
	}
}

func TestSnapshotHash_Deterministic(t *testing.T) {
	layers := contracts.ConfigLayers{Local: map[string]interface{}{"a": 1}}
	m1, err := NewMerger(layers)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := NewMerger(layers)
	if err != nil {
		t.Fatal(err)
	}
	if m1.SnapshotHash() != m2.SnapshotHash() {
		t.Fatal("expected identical layers to produce identical snapshot hashes")
	}
}
