package sqlguard

import "testing"

func TestDisabledGuardAlwaysValid(t *testing.T) {
	g := New(DefaultConfig())
	res := g.Validate("DROP TABLE users")
	if !res.Valid {
		t.Fatal("disabled guard should not reject anything")
	}
}

func TestEnabledGuardBlocksDisallowedCommand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	g := New(cfg)

	res := g.Validate("DROP TABLE users")
	if res.Valid {
		t.Fatal("expected DROP to be rejected")
	}
	if res.DetectedCommand != "DROP" {
		t.Fatalf("DetectedCommand = %q, want DROP", res.DetectedCommand)
	}
}

func TestEnabledGuardAllowsSelect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	g := New(cfg)

	res := g.Validate("SELECT * FROM users WHERE id = ?")
	if !res.Valid {
		t.Fatalf("expected SELECT to be allowed, errors=%v", res.Errors)
	}
}

func TestEnabledGuardDetectsUnbalancedParens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	g := New(cfg)

	res := g.Validate("SELECT * FROM users WHERE (id = 1")
	if res.Valid {
		t.Fatal("expected unbalanced parentheses to be rejected")
	}
}

func TestStatsCountBlockedQueries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	g := New(cfg)

	g.Validate("SELECT 1")
	g.Validate("DROP TABLE x")

	stats := g.Stats()
	if stats.TotalQueries != 2 {
		t.Fatalf("TotalQueries = %d, want 2", stats.TotalQueries)
	}
	if stats.BlockedQueries != 1 {
		t.Fatalf("BlockedQueries = %d, want 1", stats.BlockedQueries)
	}
}
