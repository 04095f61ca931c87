package search

import (
	"math/rand/v2"
	"strings"
	"sync"
)

// DefaultBaseURL is the reverse image endpoint; params are appended verbatim.
const DefaultBaseURL = "https://www.google.com/searchbyimage?"

// countryByLang maps a language to its geo code where they differ.
var countryByLang = map[string]string{"en": "us"}

// RequestTarget is an immutable query URL made of a base and ordered params.
type RequestTarget struct {
	base   string
	params []string
}

// String renders the full query URL.
func (t RequestTarget) String() string {
	return t.base + strings.Join(t.params, "&")
}

// Params returns a copy of the ordered query params.
func (t RequestTarget) Params() []string {
	return append([]string(nil), t.params...)
}

// TargetBuilder turns image URLs into query targets.
type TargetBuilder struct {
	base    string
	shuffle bool

	mu  sync.Mutex
	rng *rand.Rand
}

// NewTargetBuilder returns a builder for base (DefaultBaseURL when empty).
// With shuffle set the param order is randomized on every Build.
func NewTargetBuilder(base string, shuffle bool) *TargetBuilder {
	if base == "" {
		base = DefaultBaseURL
	}
	return &TargetBuilder{
		base:    base,
		shuffle: shuffle,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), //nolint:gosec // param order only
	}
}

// Build creates the target for imageURL, adding locale params when lang is set.
func (b *TargetBuilder) Build(imageURL, lang string) RequestTarget {
	if strings.Contains(imageURL, "?") {
		imageURL = strings.ReplaceAll(quote(imageURL), "%25", "%")
	}
	params := append(LangParams(lang), "image_url="+imageURL)
	if b.shuffle && len(params) > 1 {
		b.mu.Lock()
		b.rng.Shuffle(len(params), func(i, j int) {
			params[i], params[j] = params[j], params[i]
		})
		b.mu.Unlock()
	}
	return RequestTarget{base: b.base, params: params}
}

// LangParams returns the interface-language, result-language, geo and
// country params for lang, or nil when lang is empty.
func LangParams(lang string) []string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return nil
	}
	gl, ok := countryByLang[lang]
	if !ok {
		gl = lang
	}
	return []string{
		"hl=" + lang,
		"lr=lang_" + lang,
		"gl=" + gl,
		"cr=country" + strings.ToUpper(gl),
	}
}

const upperHex = "0123456789ABCDEF"

// quote percent-encodes every byte outside the unreserved set, keeping '/'.
func quote(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) * 3 / 2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) || c == '/' {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(upperHex[c>>4])
		sb.WriteByte(upperHex[c&0x0f])
	}
	return sb.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	default:
		return false
	}
}
