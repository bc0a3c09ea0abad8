package config

import "sync"

// DynamicConfig is the explicit, mutex-protected equivalent of the
// original implementation's DynamicConfig singleton (dynamic_config.h):
// a (section, key) -> option map split into configured / default-for-
// cluster / default-for-clusterset tiers, dumped as JSON by internal/api.
// Kept as an ordinary struct rather than a package-level singleton (see
// DESIGN.md open-question notes) so tests and multiple router instances
// in one process never share state.
type DynamicConfig struct {
	mu sync.Mutex

	configured          map[string]map[string]any
	defaultForCluster   map[string]map[string]any
	defaultForClusterset map[string]map[string]any
}

// NewDynamicConfig returns an empty DynamicConfig.
func NewDynamicConfig() *DynamicConfig {
	return &DynamicConfig{
		configured:           make(map[string]map[string]any),
		defaultForCluster:    make(map[string]map[string]any),
		defaultForClusterset: make(map[string]map[string]any),
	}
}

// SetConfigured records an explicitly-set option value for section/key.
func (d *DynamicConfig) SetConfigured(section, key string, value any) {
	d.set(d.configured, section, key, value)
}

// SetDefault records a cluster-tier default value for section/key.
func (d *DynamicConfig) SetDefault(section, key string, value any) {
	d.set(d.defaultForCluster, section, key, value)
}

// SetClustersetDefault records a clusterset-tier default value.
func (d *DynamicConfig) SetClustersetDefault(section, key string, value any) {
	d.set(d.defaultForClusterset, section, key, value)
}

func (d *DynamicConfig) set(tier map[string]map[string]any, section, key string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if value == nil {
		return // std::monostate equivalent: omitted entirely, per spec §6.
	}
	m, ok := tier[section]
	if !ok {
		m = make(map[string]any)
		tier[section] = m
	}
	m[key] = value
}

// Dump renders the three tiers as a JSON-ready map: top-level keyed by
// section name, each section an object nested under "configured",
// "default_for_cluster", "default_for_clusterset". Unset (nil) options
// were never stored, so omission is automatic rather than requiring an
// omitempty pass.
func (d *DynamicConfig) Dump() (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sections := make(map[string]bool)
	for s := range d.configured {
		sections[s] = true
	}
	for s := range d.defaultForCluster {
		sections[s] = true
	}
	for s := range d.defaultForClusterset {
		sections[s] = true
	}

	out := make(map[string]any, len(sections))
	for s := range sections {
		entry := map[string]any{}
		if v, ok := d.configured[s]; ok {
			entry["configured"] = v
		}
		if v, ok := d.defaultForCluster[s]; ok {
			entry["default_for_cluster"] = v
		}
		if v, ok := d.defaultForClusterset[s]; ok {
			entry["default_for_clusterset"] = v
		}
		out[s] = entry
	}
	return out, nil
}
