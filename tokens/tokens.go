// Package tokens approximates how many model tokens a text consumes.
//
// The estimate is only used for relative budgeting, so it does not need a
// real tokenizer: ASCII letters are cheap, other ASCII is twice that, and
// anything outside ASCII (CJK, emoji) is expensive.
package tokens

import (
	"math"
	"unicode"

	"webllm-chat/web/types"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jdkato/prose/v2"
)

// Estimate returns the approximate token cost of text.
func Estimate(text string) int {
	var total float64
	for _, r := range text {
		switch {
		case r >= 'A' && r <= 'z':
			total += 0.25
		case r < 128:
			total += 0.5
		default:
			total += 1.5
		}
	}
	return int(math.Ceil(total))
}

// CountMessages sums the estimate over each message's text content.
func CountMessages(msgs []types.ChatMessage) int {
	return countWith(Estimate, msgs)
}

func countWith(estimate func(string) int, msgs []types.ChatMessage) int {
	n := 0
	for _, m := range msgs {
		n += estimate(m.Content.String())
	}
	return n
}

// Estimator is anything that can price a text span.
type Estimator interface {
	Estimate(text string) int
}

// CachedEstimator memoizes Estimate results in a bounded LRU. History is
// rescanned on every request, so most lookups hit.
type CachedEstimator struct {
	cache *lru.Cache
}

// NewCachedEstimator creates an estimator holding up to size entries.
func NewCachedEstimator(size int) (*CachedEstimator, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedEstimator{cache: c}, nil
}

// Estimate returns the cached estimate for text, computing it on a miss.
func (e *CachedEstimator) Estimate(text string) int {
	if e == nil || e.cache == nil {
		return Estimate(text)
	}
	if v, ok := e.cache.Get(text); ok {
		return v.(int)
	}
	n := Estimate(text)
	e.cache.Add(text, n)
	return n
}

// CountMessages is CountMessages backed by the cache.
func (e *CachedEstimator) CountMessages(msgs []types.ChatMessage) int {
	return countWith(e.Estimate, msgs)
}

// Len reports how many entries are cached.
func (e *CachedEstimator) Len() int {
	return e.cache.Len()
}

type plain struct{}

func (plain) Estimate(text string) int { return Estimate(text) }

// Default is the uncached estimator.
var Default Estimator = plain{}

// WordCount counts word tokens in text, ignoring punctuation.
func WordCount(text string) int {
	if text == "" {
		return 0
	}
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false))
	if err != nil {
		return 0
	}
	n := 0
	for _, tok := range doc.Tokens() {
		if isWord(tok.Text) {
			n++
		}
	}
	return n
}

func isWord(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
