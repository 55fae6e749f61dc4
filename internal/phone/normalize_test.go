package phone

import "testing"

func TestNormalizeVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		primary  string
		fallback string
	}{
		{name: "eleven digit mobile", raw: "11987654321", primary: "551187654321", fallback: "5511987654321"},
		{name: "eleven digit with punctuation", raw: "(11) 98765-4321", primary: "551187654321", fallback: "5511987654321"},
		{name: "eleven digit with country code", raw: "5511987654321", primary: "551187654321", fallback: "5511987654321"},
		{name: "ten digit legacy", raw: "1187654321", primary: "5511987654321", fallback: "551187654321"},
		{name: "ten digit with country code", raw: "551187654321", primary: "5511987654321", fallback: "551187654321"},
		{name: "explicit international", raw: "+5511987654321", primary: "5511987654321"},
		{name: "foreign international", raw: "+14155552671", primary: "14155552671"},
		{name: "eleven digit non mobile marker", raw: "11387654321", primary: "5511387654321"},
		{name: "unrecognizable", raw: "4321", primary: "4321"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.raw)
			if got.Primary != tt.primary {
				t.Fatalf("Primary = %q, want %q", got.Primary, tt.primary)
			}
			if got.Fallback != tt.fallback {
				t.Fatalf("Fallback = %q, want %q", got.Fallback, tt.fallback)
			}
		})
	}
}

func TestNormalizeAmbiguousProducesDistinctCandidates(t *testing.T) {
	t.Parallel()
	got := Normalize("11987654321")
	if got.Fallback == "" {
		t.Fatal("expected a fallback candidate for an ambiguous mobile number")
	}
	if got.Primary == got.Fallback {
		t.Fatalf("candidates must differ, both were %q", got.Primary)
	}
	// Legacy (without the mobile marker) must be tried first by default.
	if len(got.Primary) >= len(got.Fallback) {
		t.Fatalf("expected the shorter legacy form first, got %q then %q", got.Primary, got.Fallback)
	}
}

func TestNormalizeModernFirstPolicy(t *testing.T) {
	t.Parallel()
	got := Policy{PreferModernPrimary: true}.Normalize("11987654321")
	if got.Primary != "5511987654321" || got.Fallback != "551187654321" {
		t.Fatalf("unexpected ordering: %q then %q", got.Primary, got.Fallback)
	}
}

func TestNormalizeEmpty(t *testing.T) {
	t.Parallel()
	got := Normalize(" - ")
	if got.Primary != "" || got.Fallback != "" {
		t.Fatalf("expected empty candidates, got %+v", got)
	}
}
