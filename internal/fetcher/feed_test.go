package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stream-guardian/internal/selector"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestFeedMissingURL(t *testing.T) {
	f := NewFeed(FeedOptions{}, noopLogger())
	if _, err := f.FetchDocument(context.Background()); err == nil {
		t.Fatal("expected error when url is not configured")
	}
}

func TestFeedHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limited"})
	}))
	defer srv.Close()

	f := NewFeed(FeedOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := f.FetchDocument(context.Background())
	if err == nil {
		t.Fatal("HTTP 429 should return an error")
	}
	if err.Error() != "feed error (429): rate limited" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFeedMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"bitcoin": {`))
	}))
	defer srv.Close()

	f := NewFeed(FeedOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, err := f.FetchDocument(context.Background()); err == nil {
		t.Fatal("malformed body should return an error")
	}
}

func TestFeedFetchSuccess(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"huobi-token": {"usd": 5.12345678901234567890}, "bitcoin": {"usd": 61000}}`))
	}))
	defer srv.Close()

	f := NewFeed(FeedOptions{URL: srv.URL, Timeout: time.Second, UserAgent: "test"}, noopLogger())
	doc, err := f.FetchDocument(context.Background())
	if err != nil {
		t.Fatalf("fetch should succeed: %v", err)
	}
	if gotUA != "test" {
		t.Fatalf("user agent not forwarded, got %q", gotUA)
	}

	price, err := PriceAt(doc, "$.huobi-token.usd", 18)
	if err != nil {
		t.Fatalf("price lookup failed: %v", err)
	}
	want := decimal.RequireFromString("5123456789012345678.9")
	if !price.Equal(want) {
		t.Fatalf("expected %s, got %s", want, price)
	}
}

func TestPriceAtMissingSelector(t *testing.T) {
	doc := selector.Document{"bitcoin": map[string]any{"usd": json.Number("1")}}
	_, err := PriceAt(doc, "$.ethereum.usd", 8)
	if !errors.Is(err, selector.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPriceAtWildcardUsesFirstMatch(t *testing.T) {
	doc := selector.Document{
		"tether":  map[string]any{"usd": json.Number("1")},
		"bitcoin": map[string]any{"usd": json.Number("60000")},
	}
	price, err := PriceAt(doc, "$.*.usd", 2)
	if err != nil {
		t.Fatalf("wildcard selector should resolve: %v", err)
	}
	if price.String() != "6000000" {
		t.Fatalf("expected bitcoin price scaled by 2 decimals, got %s", price)
	}
}

func TestPriceAtNonNumeric(t *testing.T) {
	doc := selector.Document{"bitcoin": map[string]any{"usd": map[string]any{"nested": true}}}
	if _, err := PriceAt(doc, "$.bitcoin.usd", 8); err == nil {
		t.Fatal("object value should not convert to a price")
	}
}

func TestMegaPricesScaled(t *testing.T) {
	doc := selector.Document{
		"tether":  map[string]any{"usd": json.Number("1.0001")},
		"bitcoin": map[string]any{"usd": "60000.5"},
	}
	prices, err := MegaPrices(doc, "$.*.usd", 4)
	if err != nil {
		t.Fatalf("mega query failed: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("expected 2 prices, got %d", len(prices))
	}
	if prices[0].String() != "600005000" || prices[1].String() != "10001" {
		t.Fatalf("unexpected prices %v", prices)
	}
}
