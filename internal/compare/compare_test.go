package compare

import "testing"

func TestHashRowIsOrderSensitiveButRowOrderIndependentWhenXored(t *testing.T) {
	row1 := []any{int64(1), "alice"}
	row2 := []any{int64(2), "bob"}

	h1 := hashRow(row1)
	h2 := hashRow(row2)
	if h1 == h2 {
		t.Fatal("expected different rows to hash differently")
	}

	// XOR is commutative: accumulating in either order must agree.
	accA := h1 ^ h2
	accB := h2 ^ h1
	if accA != accB {
		t.Errorf("expected order-independent accumulation, got %d vs %d", accA, accB)
	}
}

func TestHashRowDeterministic(t *testing.T) {
	row := []any{int64(42), "x", nil}
	if hashRow(row) != hashRow(row) {
		t.Error("expected hashRow to be deterministic for identical input")
	}
}
