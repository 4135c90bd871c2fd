package gateway

import (
	"net/http/httptest"
	"testing"
)

func TestClassifierUserAgents(t *testing.T) {
	c, err := NewClassifier()
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}

	cases := []struct {
		ua   string
		want bool
	}{
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36", false},
		{"Mozilla/5.0 AppleWebKit/537.36 (compatible; GPTBot/1.0; +https://openai.com/gptbot)", true},
		{"anthropic-ai", true},
		{"Claude-Web/1.0", true},
		{"PerplexityBot/1.0", true},
		{"python-langchain/0.2", true},
		{"Googlebot/2.1 (+http://www.google.com/bot.html)", true},
		{"my-custom-crawler", true},
		{"WebSpider-3000", true},
		{"TachiSDK/1.0", true},
		{"curl/8.4.0", false},
		{"", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "http://example.com/", nil)
		if tc.ua != "" {
			req.Header.Set("User-Agent", tc.ua)
		}
		if got := c.IsCrawler(req); got != tc.want {
			t.Errorf("IsCrawler(%q) = %v, want %v", tc.ua, got, tc.want)
		}
	}
}

func TestClassifierSelfDeclarationHeader(t *testing.T) {
	c, err := NewClassifier()
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	req := httptest.NewRequest("GET", "http://example.com/", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 AppleWebKit/537.36")
	req.Header.Set("X-Tachi-Crawler", "true")
	if !c.IsCrawler(req) {
		t.Fatal("self-declared crawler must be classified as one")
	}
}

func TestClassifierExtraPatterns(t *testing.T) {
	c, err := NewClassifier(`(?i)acme-ingest`)
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	req := httptest.NewRequest("GET", "http://example.com/", nil)
	req.Header.Set("User-Agent", "ACME-Ingest/2.1")
	if !c.IsCrawler(req) {
		t.Fatal("extra pattern must match")
	}

	if _, err := NewClassifier(`([`); err == nil {
		t.Fatal("invalid extra pattern must be rejected")
	}
}
