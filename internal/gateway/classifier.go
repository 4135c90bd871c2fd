package gateway

import (
	"net/http"
	"regexp"
)

// crawlerPatterns is the curated set of automated-crawler User-Agent
// signatures. Unmatched traffic bypasses the payment protocol entirely:
// the gateway fails open for human readers.
var crawlerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)openai`),
	regexp.MustCompile(`(?i)anthropic`),
	regexp.MustCompile(`(?i)claude`),
	regexp.MustCompile(`(?i)gptbot`),
	regexp.MustCompile(`(?i)perplexity`),
	regexp.MustCompile(`(?i)langchain`),
	regexp.MustCompile(`(?i)autogpt`),
	regexp.MustCompile(`(?i)babyagi`),
	regexp.MustCompile(`(?i)crewai`),
	regexp.MustCompile(`(?i)llama-?index`),
	regexp.MustCompile(`(?i)bot\b`),
	regexp.MustCompile(`(?i)crawler`),
	regexp.MustCompile(`(?i)spider`),
	regexp.MustCompile(`(?i)scraper`),
	regexp.MustCompile(`(?i)tachisdk`),
}

// Classifier decides whether a request comes from an automated crawler.
type Classifier struct {
	patterns []*regexp.Regexp
}

// NewClassifier creates a Classifier with the curated signature set plus any
// operator-configured extra patterns.
func NewClassifier(extra ...string) (*Classifier, error) {
	patterns := append([]*regexp.Regexp(nil), crawlerPatterns...)
	for _, p := range extra {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, re)
	}
	return &Classifier{patterns: patterns}, nil
}

// IsCrawler reports whether the request identifies as an automated crawler.
// Self-declaration via header is honoured before signature matching.
func (c *Classifier) IsCrawler(r *http.Request) bool {
	if r.Header.Get("X-Tachi-Crawler") == "true" {
		return true
	}
	ua := r.UserAgent()
	if ua == "" {
		return false
	}
	for _, pattern := range c.patterns {
		if pattern.MatchString(ua) {
			return true
		}
	}
	return false
}
