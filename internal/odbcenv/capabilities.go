package odbcenv

import (
	"os"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

// DriverCapabilities is a single lookup keyed by driver name, returning
// booleans/options rather than dispatching to driver-specific rewrite
// logic of any kind.
type DriverCapabilities struct {
	SupportsCancel bool `yaml:"supports_cancel"`
	SupportsMARS   bool `yaml:"supports_mars"`
	MaxParams      int  `yaml:"max_params"`
}

var builtinCapabilities = map[string]DriverCapabilities{
	"mem":     {SupportsCancel: true, SupportsMARS: true, MaxParams: 0},
	"odbc":    {SupportsCancel: true, SupportsMARS: false, MaxParams: 2100},
	"mysql":   {SupportsCancel: false, SupportsMARS: false, MaxParams: 65535},
	"mssql":   {SupportsCancel: true, SupportsMARS: true, MaxParams: 2100},
	"postgres": {SupportsCancel: true, SupportsMARS: false, MaxParams: 65535},
}

var defaultCapabilities = DriverCapabilities{SupportsCancel: false, SupportsMARS: false, MaxParams: 1}

type capabilityTable struct {
	mu    sync.RWMutex
	table map[string]DriverCapabilities
}

var capabilities = &capabilityTable{table: cloneBuiltins()}

func cloneBuiltins() map[string]DriverCapabilities {
	m := make(map[string]DriverCapabilities, len(builtinCapabilities))
	for k, v := range builtinCapabilities {
		m[k] = v
	}
	return m
}

// Capabilities returns the capability set for a driver name, falling
// back to a conservative default (no cancel, no MARS, single
// parameter) for unknown drivers rather than erroring.
func Capabilities(driver string) DriverCapabilities {
	capabilities.mu.RLock()
	defer capabilities.mu.RUnlock()
	if c, ok := capabilities.table[NormalizeDriverName(driver)]; ok {
		return c
	}
	return defaultCapabilities
}

// LoadCapabilitiesFile merges a YAML file of per-driver capability
// overrides (map[string]DriverCapabilities) into the builtin table.
// A missing file is not an error: the engine simply keeps the builtin
// table, mirroring NewHandler's "fill in any missing values" defaults.
func LoadCapabilitiesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "odbcenv: reading capabilities file %s", path)
	}

	var overrides map[string]DriverCapabilities
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return errors.Wrapf(err, "odbcenv: parsing capabilities file %s", path)
	}

	capabilities.mu.Lock()
	defer capabilities.mu.Unlock()
	for name, caps := range overrides {
		capabilities.table[NormalizeDriverName(name)] = caps
	}
	return nil
}
