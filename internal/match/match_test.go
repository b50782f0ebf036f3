package match

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Report (Final).doc", "Report-(Final).doc"},
		{"a  b\tc", "a-b-c"},
		{"plain.doc", "plain.doc"},
		{"  padded  ", "padded"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBestExactMatch(t *testing.T) {
	id, ok := Best("photo.jpg", map[int]string{3: "photo.jpg", 9: "other.jpg"})
	if !ok || id != 3 {
		t.Fatalf("Best = (%d, %v), want (3, true)", id, ok)
	}
}

func TestBestExactMatchOnNormalizedForm(t *testing.T) {
	// On-disk name matches the whitespace-collapsed form of the wanted name.
	id, ok := Best("Report Final.doc", map[int]string{7: "Report-Final.doc"})
	if !ok || id != 7 {
		t.Fatalf("Best = (%d, %v), want (7, true)", id, ok)
	}
}

func TestBestFuzzyMatch(t *testing.T) {
	id, ok := Best("Report (Final).doc", map[int]string{
		7:  "Report-Final.doc",
		12: "unrelated-spreadsheet.xls",
	})
	if !ok || id != 7 {
		t.Fatalf("Best = (%d, %v), want (7, true)", id, ok)
	}
}

func TestBestNoCandidateClearsThreshold(t *testing.T) {
	if id, ok := Best("invoice.pdf", map[int]string{1: "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"}); ok {
		t.Fatalf("Best matched %d, want no match", id)
	}
}

func TestBestEmptyPool(t *testing.T) {
	if _, ok := Best("anything.txt", nil); ok {
		t.Fatal("Best matched against empty pool")
	}
}

func TestBestTieIsDeterministic(t *testing.T) {
	pool := map[int]string{5: "aaax.txt", 2: "aaay.txt"}
	id, ok := Best("aaaz.txt", pool)
	if !ok {
		t.Fatal("expected a match")
	}
	for i := 0; i < 50; i++ {
		got, _ := Best("aaaz.txt", pool)
		if got != id {
			t.Fatalf("tie-break not stable: first %d, then %d", id, got)
		}
	}
	if id != 2 {
		t.Errorf("tie should resolve to lowest file id, got %d", id)
	}
}
