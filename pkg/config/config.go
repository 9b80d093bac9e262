// Package config implements a three-layer configuration merger:
// call-time overrides beat local, which beats tenant, which beats
// product. Layers are loaded once from YAML documents (matching an
// environment-driven config.Load, generalized to a layered file
// source) and merged lazily per lookup.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cccs-substrate/cccs/pkg/canonicalize"
	"github.com/cccs-substrate/cccs/pkg/contracts"
)

// layerName identifies one of the three persistent layers in source
// order (the order GetConfig searches, after overrides).
type layerName string

const (
	layerLocal   layerName = "local"
	layerTenant  layerName = "tenant"
	layerProduct layerName = "product"
)

var allLayers = []layerName{layerLocal, layerTenant, layerProduct}

// Merger holds the three loaded layers and the pre-computed snapshot
// hash of their combined contents. It is read-only after construction
// except that callers may supply per-call overrides to GetConfig.
type Merger struct {
	layers       contracts.ConfigLayers
	snapshotHash string
}

// NewMerger builds a Merger directly from in-memory layers, computing
// the snapshot hash once so every GetConfig result can cite it without
// recomputing canonical JSON per lookup.
func NewMerger(layers contracts.ConfigLayers) (*Merger, error) {
	if layers.Local == nil {
		layers.Local = map[string]interface{}{}
	}
	if layers.Tenant == nil {
		layers.Tenant = map[string]interface{}{}
	}
	if layers.Product == nil {
		layers.Product = map[string]interface{}{}
	}
	hash, err := canonicalize.Hash(layers)
	if err != nil {
		return nil, err
	}
	return &Merger{layers: layers, snapshotHash: hash}, nil
}

// LoadMergerFromYAML reads three YAML files — one per layer — and
// builds a Merger from their parsed contents. A missing file is
// treated as an empty layer rather than an error, matching the
// teacher's Load() pattern of falling back to defaults for absent
// environment configuration.
func LoadMergerFromYAML(localPath, tenantPath, productPath string) (*Merger, error) {
	local, err := loadYAMLLayer(localPath)
	if err != nil {
		return nil, err
	}
	tenant, err := loadYAMLLayer(tenantPath)
	if err != nil {
		return nil, err
	}
	product, err := loadYAMLLayer(productPath)
	if err != nil {
		return nil, err
	}
	return NewMerger(contracts.ConfigLayers{Local: local, Tenant: tenant, Product: product})
}

func loadYAMLLayer(path string) (map[string]interface{}, error) {
	if path == "" {
		return map[string]interface{}{}, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetConfig resolves key by searching overrides, then local, then
// tenant, then product — the first layer that contains the key wins
//. scope, when non-empty,
// restricts the search to that subset of layers (overrides are always
// considered regardless of scope). A key absent from every searched
// layer returns ConfigGap=true with a nil Value.
func (m *Merger) GetConfig(key string, scope []string, overrides map[string]interface{}) contracts.ConfigResult {
	if v, ok := overrides[key]; ok {
		return contracts.ConfigResult{
			Key:          key,
			Value:        v,
			SourceLayers: []string{"overrides"},
			SnapshotHash: m.snapshotHash,
			ConfigGap:    false,
		}
	}

	search := allLayers
	if len(scope) > 0 {
		search = filterLayers(scope)
	}

	for _, l := range search {
		layer := m.layerMap(l)
		if v, ok := layer[key]; ok {
			return contracts.ConfigResult{
				Key:          key,
				Value:        v,
				SourceLayers: []string{string(l)},
				SnapshotHash: m.snapshotHash,
				ConfigGap:    false,
			}
		}
	}

	return contracts.ConfigResult{
		Key:          key,
		Value:        nil,
		SourceLayers: nil,
		SnapshotHash: m.snapshotHash,
		ConfigGap:    true,
	}
}

// SnapshotHash returns the canonical hash of the three persistent
// layers as loaded, unaffected by per-call overrides.
func (m *Merger) SnapshotHash() string {
	return m.snapshotHash
}

func (m *Merger) layerMap(l layerName) map[string]interface{} {
	switch l {
	case layerLocal:
		return m.layers.Local
	case layerTenant:
		return m.layers.Tenant
	default:
		return m.layers.Product
	}
}

func filterLayers(scope []string) []layerName {
	allowed := make(map[string]bool, len(scope))
	for _, s := range scope {
		allowed[s] = true
	}
	out := make([]layerName, 0, len(allLayers))
	for _, l := range allLayers {
		if allowed[string(l)] {
			out = append(out, l)
		}
	}
	return out
}
