package partition

import "testing"

func TestPlanWholeTableBelowThreshold(t *testing.T) {
	parts := Plan(100, 10, "id", 10_000, 64, false)
	if len(parts) != 1 || parts[0].Kind != KindWhole {
		t.Fatalf("expected single whole part, got %#v", parts)
	}
}

func TestPlanRangeCoversWholeTable(t *testing.T) {
	tests := []struct {
		name     string
		rows     int64
		maxParts int
	}{
		{"even split", 1_000_000, 10},
		{"uneven split", 1_000_007, 10},
		{"capped by maxParts", 50_000_000, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := Plan(tt.rows, 0, "id", 100_000, tt.maxParts, false)
			if len(parts) < 2 {
				t.Fatalf("expected a split, got %d parts", len(parts))
			}
			if len(parts) > tt.maxParts {
				t.Fatalf("got %d parts, want <= %d", len(parts), tt.maxParts)
			}
			var lo int64
			for i, p := range parts {
				if p.Kind != KindRange {
					t.Fatalf("part %d: want KindRange, got %v", i, p.Kind)
				}
				var gotLo, gotHi int64
				fscan(p.Lo, &gotLo)
				fscan(p.Hi, &gotHi)
				if gotLo != lo {
					t.Fatalf("part %d: lo=%d, want contiguous from %d", i, gotLo, lo)
				}
				if gotHi <= gotLo {
					t.Fatalf("part %d: hi=%d must be > lo=%d", i, gotHi, gotLo)
				}
				lo = gotHi
			}
			if lo != tt.rows {
				t.Fatalf("final hi=%d, want it to reach rowEstimate=%d", lo, tt.rows)
			}
		})
	}
}

func TestPlanCTIDFallbackWhenNoSplitColumn(t *testing.T) {
	parts := Plan(5_000_000, 20_000, "", 100_000, 64, false)
	if len(parts) < 2 {
		t.Fatalf("expected a ctid split, got %d parts", len(parts))
	}
	for i, p := range parts {
		if p.Kind != KindCTID {
			t.Fatalf("part %d: want KindCTID, got %v", i, p.Kind)
		}
	}
}

func TestPlanWholeWhenCTIDDisabledAndNoSplitColumn(t *testing.T) {
	parts := Plan(5_000_000, 20_000, "", 100_000, 64, true)
	if len(parts) != 1 || parts[0].Kind != KindWhole {
		t.Fatalf("expected fallback to whole table, got %#v", parts)
	}
}

func fscan(s string, out *int64) {
	var v int64
	for _, c := range s {
		v = v*10 + int64(c-'0')
	}
	*out = v
}
