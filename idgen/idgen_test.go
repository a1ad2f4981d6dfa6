package idgen

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func assertUnique(t *testing.T, g Generator, n int) []string {
	t.Helper()
	seen := make(map[string]struct{}, n)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := g.NewID()
		if id == "" {
			t.Fatalf("empty id at %d", i)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q at %d", id, i)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func TestGenerators_Unique(t *testing.T) {
	t.Parallel()

	sf, err := Snowflake(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	gens := map[string]Generator{
		"uuid":       UUID(),
		"uuidv7":     UUIDv7(),
		"nanoid":     NanoID(0),
		"base62":     Base62(0),
		"timebase64": TimeBase64(),
		"snowflake":  sf,
		"counter":    Counter("req-"),
	}
	for name, g := range gens {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assertUnique(t, g, 5000)
		})
	}
}

func TestBase62_Alphabet(t *testing.T) {
	t.Parallel()

	g := Base62(30)
	for i := 0; i < 100; i++ {
		id := g.NewID()
		if len(id) != 30 {
			t.Fatalf("want length 30 got %d", len(id))
		}
		for _, r := range id {
			if !strings.ContainsRune(base62Alphabet, r) {
				t.Fatalf("unexpected rune %q in %q", r, id)
			}
		}
	}
}

func TestTimeBase64_SortsByCreation(t *testing.T) {
	t.Parallel()

	g := TimeBase64()
	base := time.UnixMilli(1_700_000_000_000)
	tick := 0
	g.now = func() time.Time {
		// Repeat every millisecond three times to exercise the sequence.
		tick++
		return base.Add(time.Duration(tick/3) * time.Millisecond)
	}

	ids := make([]string, 0, 1000)
	for i := 0; i < 1000; i++ {
		ids = append(ids, g.NewID())
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatalf("ids are not lexically ordered")
	}
}

func TestTimeBase64_ClockStepBack(t *testing.T) {
	t.Parallel()

	g := TimeBase64()
	now := time.UnixMilli(1_700_000_000_500)
	g.now = func() time.Time { return now }
	first := g.NewID()
	now = now.Add(-time.Second)
	second := g.NewID()
	if second <= first {
		t.Fatalf("id went backwards after clock step: %q <= %q", second, first)
	}
}

func TestSnowflake_BitLayout(t *testing.T) {
	t.Parallel()

	g, err := Snowflake(513)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	id := g.NewInt64()
	if node := (id >> 12) & 0x3FF; node != 513 {
		t.Fatalf("want node 513 got %d", node)
	}
	a, _ := strconv.ParseInt(g.NewID(), 10, 64)
	b, _ := strconv.ParseInt(g.NewID(), 10, 64)
	if !(a < b) {
		t.Fatalf("snowflake ids not increasing: %d %d", a, b)
	}

	if _, err := Snowflake(4096); err == nil {
		t.Fatalf("expected out-of-range node to be rejected")
	}
}

func TestCounter_Concurrent(t *testing.T) {
	t.Parallel()

	g := Counter("")
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				id := g.NewID()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate counter id %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 4000 {
		t.Fatalf("want 4000 ids got %d", len(seen))
	}
}

func TestNew_ByKind(t *testing.T) {
	t.Parallel()

	for _, k := range []Kind{KindUUID, KindUUIDv7, KindNanoID, KindBase62, KindTimeBase64, KindSnowflake, KindCounter} {
		g, err := New(k, 1)
		if err != nil {
			t.Fatalf("kind %s: %v", k, err)
		}
		if g.NewID() == "" {
			t.Fatalf("kind %s produced empty id", k)
		}
	}
	if _, err := New("bogus", 0); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
	if id := WithPrefix("sess_", Counter("")).NewID(); id != "sess_1" {
		t.Fatalf("want sess_1 got %s", id)
	}
}
