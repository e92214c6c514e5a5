package odbcenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCapabilitiesKnownDriver(t *testing.T) {
	c := Capabilities("mssql")
	if !c.SupportsCancel || !c.SupportsMARS || c.MaxParams != 2100 {
		t.Fatalf("unexpected mssql capabilities: %+v", c)
	}
}

func TestCapabilitiesUnknownDriverFallsBackToDefault(t *testing.T) {
	c := Capabilities("some-driver-nobody-registered")
	if c != defaultCapabilities {
		t.Fatalf("expected default capabilities for unknown driver, got %+v", c)
	}
}

func TestCapabilitiesNormalizesDriverName(t *testing.T) {
	lower := Capabilities("mssql")
	mixed := Capabilities("MsSQL")
	if lower != mixed {
		t.Fatalf("expected driver name lookup to be case-insensitive: %+v vs %+v", lower, mixed)
	}
}

func TestLoadCapabilitiesFileMissingIsNotAnError(t *testing.T) {
	if err := LoadCapabilitiesFile(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err != nil {
		t.Fatalf("LoadCapabilitiesFile on a missing file: %v", err)
	}
}

func TestLoadCapabilitiesFileOverridesBuiltin(t *testing.T) {
	defer func() { capabilities = &capabilityTable{table: cloneBuiltins()} }()

	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	body := []byte("customdriver:\n  supports_cancel: true\n  supports_mars: false\n  max_params: 99\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	if err := LoadCapabilitiesFile(path); err != nil {
		t.Fatalf("LoadCapabilitiesFile: %v", err)
	}

	got := Capabilities("customdriver")
	want := DriverCapabilities{SupportsCancel: true, SupportsMARS: false, MaxParams: 99}
	if got != want {
		t.Fatalf("override not applied: got %+v, want %+v", got, want)
	}
}
