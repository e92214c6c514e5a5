package preparedcache

import (
	"context"
	"testing"

	"github.com/odbcx/engine/internal/wire"
)

type fakeStmt struct{ closed bool }

func (f *fakeStmt) BindParams([]wire.ParamValue) error                { return nil }
func (f *fakeStmt) Execute(context.Context) error                     { return nil }
func (f *fakeStmt) Columns() ([]wire.Column, error)                   { return nil, nil }
func (f *fakeStmt) FetchAll(context.Context, uint64) ([]wire.Row, error) { return nil, nil }
func (f *fakeStmt) OpenCursor(context.Context, string) error          { return nil }
func (f *fakeStmt) FetchChunk(context.Context, int) ([]wire.Row, error) { return nil, nil }
func (f *fakeStmt) Close() error                                      { f.closed = true; return nil }

func TestCacheHitPromotesAndEvictsLRU(t *testing.T) {
	c := New(2)

	s1 := &fakeStmt{}
	s2 := &fakeStmt{}
	s3 := &fakeStmt{}

	c.Insert("select 1", 1, s1)
	c.Insert("select 2", 2, s2)

	if _, ok := c.Lookup("select 1"); !ok {
		t.Fatal("expected hit for select 1")
	}

	// select 2 is now LRU; inserting a third entry should evict it.
	c.Insert("select 3", 3, s3)

	if c.Size() != 2 {
		t.Fatalf("size = %d, want 2", c.Size())
	}
	if !s2.closed {
		t.Error("evicted entry's handle was not closed")
	}
	if s1.closed || s3.closed {
		t.Error("live entries should not be closed")
	}
	if _, ok := c.Lookup("select 2"); ok {
		t.Error("select 2 should have been evicted")
	}

	stats := c.Stats()
	if stats.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", stats.Evictions)
	}
}

func TestCacheRemoveClosesHandle(t *testing.T) {
	c := New(4)
	s := &fakeStmt{}
	c.Insert("select 1", 1, s)
	c.Remove("select 1")
	if !s.closed {
		t.Error("Remove did not close the handle")
	}
	if c.Size() != 0 {
		t.Errorf("size = %d, want 0", c.Size())
	}
}

func TestCacheClearClosesAllHandles(t *testing.T) {
	c := New(4)
	handles := []*fakeStmt{{}, {}, {}}
	for i, h := range handles {
		c.Insert(string(rune('a'+i)), int64(i), h)
	}
	c.Clear()
	for i, h := range handles {
		if !h.closed {
			t.Errorf("handle %d not closed after Clear", i)
		}
	}
	if c.Size() != 0 {
		t.Errorf("size = %d after Clear, want 0", c.Size())
	}
}

func TestCacheCapacityNeverExceeded(t *testing.T) {
	c := New(3)
	for i := 0; i < 10; i++ {
		c.Insert(string(rune('a'+i)), int64(i), &fakeStmt{})
		if c.Size() > 3 {
			t.Fatalf("size exceeded capacity: %d > 3", c.Size())
		}
	}
}
