package market

import "testing"

func TestComputeChangePct(t *testing.T) {
	cases := []struct {
		price, prevClose, want float64
	}{
		{10.10, 10.00, 1.00},
		{9.90, 10.00, -1.00},
		{10.00, 10.00, 0},
		{10.05, 0, 0},      // zero previous close
		{10.125, 10.00, 1.25},
		{33.33, 30.00, 11.10},
	}
	for _, c := range cases {
		if got := ComputeChangePct(c.price, c.prevClose); got != c.want {
			t.Errorf("ComputeChangePct(%v, %v) = %v, want %v", c.price, c.prevClose, got, c.want)
		}
	}
}

func TestRound2_HalfAwayFromZero(t *testing.T) {
	// 1.125 is exactly representable in binary, so the .5 case is a true
	// half point; round-half-even would give 1.12 here.
	cases := []struct{ in, want float64 }{
		{1.125, 1.13},
		{-1.125, -1.13},
		{1.234, 1.23},
		{1.236, 1.24},
		{0.004, 0},
		{-0.004, 0},
	}
	for _, c := range cases {
		if got := Round2(c.in); got != c.want {
			t.Errorf("Round2(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestQuote_SameValue(t *testing.T) {
	a := Quote{Price: 10.10, ChangePct: 1.00, LastUpdated: 100}
	b := Quote{Price: 10.10, ChangePct: 1.00, LastUpdated: 200}
	c := Quote{Price: 10.11, ChangePct: 1.10, LastUpdated: 100}

	if !a.SameValue(b) {
		t.Fatal("quotes differing only in LastUpdated should compare equal")
	}
	if a.SameValue(c) {
		t.Fatal("quotes with different prices should not compare equal")
	}
}

func TestParseCallerTag(t *testing.T) {
	for _, tag := range CallerTags() {
		got, err := ParseCallerTag(string(tag))
		if err != nil || got != tag {
			t.Fatalf("ParseCallerTag(%q) = %q, %v", tag, got, err)
		}
	}
	if _, err := ParseCallerTag("custom_stock"); err == nil {
		t.Fatal("unknown tag should be rejected")
	}
}

func TestParseSource(t *testing.T) {
	for _, s := range Sources() {
		got, err := ParseSource(string(s))
		if err != nil || got != s {
			t.Fatalf("ParseSource(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := ParseSource("selenium"); err == nil {
		t.Fatal("unknown source should be rejected")
	}
}
