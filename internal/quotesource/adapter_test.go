package quotesource

import "testing"

func TestAdaptFast_DerivedChange(t *testing.T) {
	raw := []byte(`{"p": "10.10", "yc": "10.00"}`)
	quotes, err := AdaptFast(raw, "000001")
	if err != nil {
		t.Fatalf("AdaptFast: %v", err)
	}
	q, ok := quotes["000001"]
	if !ok {
		t.Fatal("missing code 000001")
	}
	if q.Price != 10.10 || q.ChangePct != 1.00 {
		t.Fatalf("quote = %+v, want price 10.10 change 1.00", q)
	}
}

func TestAdaptFast_UpstreamChangeAuthoritative(t *testing.T) {
	// pc disagrees with the derived value; pc wins.
	raw := []byte(`{"p": 10.10, "yc": 10.00, "pc": "2.345"}`)
	quotes, err := AdaptFast(raw, "000001")
	if err != nil {
		t.Fatalf("AdaptFast: %v", err)
	}
	if got := quotes["000001"].ChangePct; got != 2.35 {
		t.Fatalf("ChangePct = %v, want rounded upstream 2.35", got)
	}
}

func TestAdaptFast_MissingFieldsParseAsZero(t *testing.T) {
	quotes, err := AdaptFast([]byte(`{}`), "000001")
	if err != nil {
		t.Fatalf("AdaptFast: %v", err)
	}
	q := quotes["000001"]
	if q.Price != 0 || q.ChangePct != 0 {
		t.Fatalf("quote = %+v, want zeros", q)
	}
}

func TestAdaptFast_ZeroPrevClose(t *testing.T) {
	quotes, err := AdaptFast([]byte(`{"p": "5.00", "yc": "0"}`), "300750")
	if err != nil {
		t.Fatalf("AdaptFast: %v", err)
	}
	if got := quotes["300750"].ChangePct; got != 0 {
		t.Fatalf("ChangePct = %v, want 0 for zero prev close", got)
	}
}

func TestAdaptFast_NonNumericPriceFailsCode(t *testing.T) {
	if _, err := AdaptFast([]byte(`{"p": "停牌", "yc": "10.00"}`), "000001"); err == nil {
		t.Fatal("non-numeric price should fail the code")
	}
	if _, err := AdaptFast([]byte(`not json`), "000001"); err == nil {
		t.Fatal("non-JSON payload should fail the code")
	}
	if _, err := AdaptFast([]byte(`[1,2,3]`), "000001"); err == nil {
		t.Fatal("non-object payload should fail the code")
	}
}

func TestAdaptFastBatch(t *testing.T) {
	raw := []byte(`[
		{"dm": "000001", "p": "10.10", "yc": "10.00"},
		{"dm": "600519", "p": 1500.00, "yc": 1450.00, "pc": "3.45"}
	]`)
	quotes, err := AdaptFastBatch(raw)
	if err != nil {
		t.Fatalf("AdaptFastBatch: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("got %d quotes, want 2", len(quotes))
	}
	if quotes["000001"].ChangePct != 1.00 {
		t.Errorf("000001 change = %v", quotes["000001"].ChangePct)
	}
	if quotes["600519"].ChangePct != 3.45 {
		t.Errorf("600519 change = %v", quotes["600519"].ChangePct)
	}
}

func TestAdaptFastBatch_AnyBadRowFailsBatch(t *testing.T) {
	raw := []byte(`[
		{"dm": "000001", "p": "10.10", "yc": "10.00"},
		{"dm": "600519", "p": "n/a", "yc": "1450.00"}
	]`)
	if _, err := AdaptFastBatch(raw); err == nil {
		t.Fatal("a malformed row must fail the whole batch so per-code mode takes over")
	}
}

func TestAdaptSlow(t *testing.T) {
	raw := []byte(`[
		{"TS_CODE": "000001.SZ", "PRICE": "10.10", "PRE_CLOSE": "10.00"},
		{"TS_CODE": "600519.SH", "PRICE": 1500.0, "PRE_CLOSE": 1450.0},
		{"TS_CODE": "bogus", "PRICE": "1", "PRE_CLOSE": "1"},
		{"TS_CODE": "300750.SZ", "PRICE": "???", "PRE_CLOSE": "200"}
	]`)
	quotes, err := AdaptSlow(raw)
	if err != nil {
		t.Fatalf("AdaptSlow: %v", err)
	}

	// Malformed rows are skipped, never failing the batch.
	if len(quotes) != 2 {
		t.Fatalf("got %d quotes, want 2: %v", len(quotes), quotes)
	}
	if q := quotes["000001"]; q.Price != 10.10 || q.ChangePct != 1.00 {
		t.Errorf("000001 = %+v", q)
	}
	if q := quotes["600519"]; q.Price != 1500.0 || q.ChangePct != 3.45 {
		t.Errorf("600519 = %+v", q)
	}
}

func TestAdaptSlow_BadPayload(t *testing.T) {
	if _, err := AdaptSlow([]byte(`{"oops": 1}`)); err == nil {
		t.Fatal("non-array payload should error")
	}
}

func TestAdaptScrape(t *testing.T) {
	batch := map[string]map[string]string{
		"000001": {"最新": "10.10", "昨收": "10.00"},
		"600519": {"Stock Code": "sh600519", "最新": "1,500.00", "昨收": "1,450.00"},
		"000002": {"最新": "n/a", "昨收": "10.00"},
		"nonsense": {"最新": "1.00", "昨收": "1.00"},
	}
	quotes := AdaptScrape(batch)

	if len(quotes) != 2 {
		t.Fatalf("got %d quotes, want 2: %v", len(quotes), quotes)
	}
	if q := quotes["000001"]; q.Price != 10.10 || q.ChangePct != 1.00 {
		t.Errorf("000001 = %+v", q)
	}
	// Thousands separators stripped, prefixed symbol resolved.
	if q := quotes["600519"]; q.Price != 1500.00 || q.ChangePct != 3.45 {
		t.Errorf("600519 = %+v", q)
	}
}

func TestAdaptScrape_MissingPriceSkipsCode(t *testing.T) {
	quotes := AdaptScrape(map[string]map[string]string{
		"000001": {},                       // no fields: the worker failed the page
		"000002": {"最新": " ", "昨收": "10"}, // blank price
		"000003": {"最新": "10.00"},          // priced; prev close defaults to zero
	})
	if len(quotes) != 1 {
		t.Fatalf("got %d quotes, want only the priced code: %v", len(quotes), quotes)
	}
	if q := quotes["000003"]; q.Price != 10.00 || q.ChangePct != 0 {
		t.Fatalf("000003 = %+v", q)
	}
}

func TestFlexFloat(t *testing.T) {
	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{nil, 0, true},
		{"", 0, true},
		{"10.5", 10.5, true},
		{"1,500.25", 1500.25, true},
		{float64(3), 3, true},
		{"abc", 0, false},
		{[]any{}, 0, false},
	}
	for _, c := range cases {
		got, ok := flexFloat(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("flexFloat(%v) = %v, %v; want %v, %v", c.in, got, ok, c.want, c.ok)
		}
	}
}

// Keep the adapters honest about the shared contract: only codes with a
// usable price appear in the result.
func TestAdapters_OnlyValidPricesReturned(t *testing.T) {
	if quotes, _ := AdaptSlow([]byte(`[{"TS_CODE": "000001.SZ", "PRICE": "x", "PRE_CLOSE": "1"}]`)); len(quotes) != 0 {
		t.Fatalf("slow: got %v", quotes)
	}
	if quotes := AdaptScrape(map[string]map[string]string{"000001": {"最新": "x"}}); len(quotes) != 0 {
		t.Fatalf("scrape: got %v", quotes)
	}
}
