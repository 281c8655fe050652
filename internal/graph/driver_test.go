package graph

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeDriver counts calls so cache behavior is observable.
type fakeDriver struct {
	executes int
	writes   int
	result   []Record
}

func (f *fakeDriver) Execute(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	f.executes++
	return f.result, nil
}

func (f *fakeDriver) ExecuteWrite(ctx context.Context, query string, params map[string]any) error {
	f.writes++
	return nil
}

func (f *fakeDriver) Close() error                   { return nil }
func (f *fakeDriver) Ping(ctx context.Context) error { return nil }

func TestDefaultConfigFallbacks(t *testing.T) {
	t.Setenv("LOOM_GRAPH_URI", "")
	t.Setenv("LOOM_GRAPH_USER", "")

	cfg := DefaultConfig()
	if cfg.URI != "bolt://localhost:7687" {
		t.Errorf("URI = %s, want default", cfg.URI)
	}
	if cfg.Username != "" {
		t.Errorf("Username = %s, want empty", cfg.Username)
	}

	t.Setenv("LOOM_GRAPH_URI", "bolt://graph-host:7687")
	if got := DefaultConfig().URI; got != "bolt://graph-host:7687" {
		t.Errorf("URI = %s, want env override", got)
	}
}

func TestCachedDriverMemoizes(t *testing.T) {
	fake := &fakeDriver{result: []Record{{"n": int64(1)}}}
	d := NewCachedDriver(fake, NewQueryCache(10, time.Minute))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		records, err := d.Execute(ctx, "MATCH (n) RETURN count(n) as n", nil)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if GetInt(records[0], "n") != 1 {
			t.Errorf("unexpected record: %v", records[0])
		}
	}

	if fake.executes != 1 {
		t.Errorf("underlying driver called %d times, want 1", fake.executes)
	}

	stats := d.Cache().Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 2 hits 1 miss", stats)
	}
}

func TestCachedDriverWriteInvalidates(t *testing.T) {
	fake := &fakeDriver{result: []Record{{"n": int64(1)}}}
	d := NewCachedDriver(fake, NewQueryCache(10, time.Minute))

	ctx := context.Background()
	d.Execute(ctx, "q", nil)
	if err := d.ExecuteWrite(ctx, "CREATE (n)", nil); err != nil {
		t.Fatalf("ExecuteWrite: %v", err)
	}
	d.Execute(ctx, "q", nil)

	if fake.executes != 2 {
		t.Errorf("expected cache invalidation after write, executes = %d", fake.executes)
	}
}

func TestRecordAccessors(t *testing.T) {
	r := Record{
		"str": "hello",
		"i64": int64(7),
		"f":   2.5,
	}

	if GetString(r, "str") != "hello" || GetString(r, "missing") != "" {
		t.Error("GetString")
	}
	if GetInt(r, "i64") != 7 || GetInt(r, "f") != 2 {
		t.Error("GetInt across bolt numeric kinds")
	}
	if GetFloat(r, "i64") != 7.0 || GetFloat(r, "missing") != 0.0 {
		t.Error("GetFloat")
	}
}

func TestIsConnectionError(t *testing.T) {
	if IsConnectionError(nil) {
		t.Error("nil is not a connection error")
	}
	if !IsConnectionError(errors.New("dial tcp: connection refused")) {
		t.Error("connection refused should classify as connection error")
	}
	if IsConnectionError(errors.New("syntax error in query")) {
		t.Error("query errors are not connection errors")
	}
}
