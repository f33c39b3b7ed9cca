package learning

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/governor/pkg/models"
)

// categoryKeys are the context fields that identify a decision's segment.
var categoryKeys = []string{"brand", "category", "product_type", "region", "segment", "species", "supplier"}

const maxKeywords = 8

// Normalization regexes compiled once at package init.
var (
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reNumber     = regexp.MustCompile(`\d+([.,]\d+)?`)
	reNonWord    = regexp.MustCompile(`[^a-z0-9]+`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "for": true, "from": true, "in": true, "is": true, "it": true, "of": true,
	"on": true, "or": true, "the": true, "to": true, "with": true, "per": true, "pack": true,
	"de": true, "la": true, "el": true, "y": true, "con": true, "para": true,
}

// Signature derives a stable fingerprint of a decision's input. Two contexts
// with the same decision type, the same category fields and the same
// normalized keywords share a signature regardless of ids, numbers or key order.
func Signature(t models.DecisionType, data models.Payload) (string, []string) {
	features := Features(t, data)
	hash := sha256.Sum256([]byte(strings.Join(features, "|")))
	return fmt.Sprintf("%x", hash), features
}

// Features returns the sorted feature list Signature hashes.
func Features(t models.DecisionType, data models.Payload) []string {
	features := []string{"type=" + string(t)}

	isCategory := make(map[string]bool, len(categoryKeys))
	for _, k := range categoryKeys {
		isCategory[k] = true
		v, ok := data[k]
		if !ok {
			continue
		}
		if s := normalizeValue(v); s != "" {
			features = append(features, k+"="+s)
		}
	}

	kw := map[string]bool{}
	for _, k := range data.Keys() {
		if isCategory[k] || isIdentifierKey(k) {
			continue
		}
		s, ok := data[k].AsString()
		if !ok {
			continue
		}
		for _, w := range Keywords(s) {
			kw[w] = true
		}
	}
	words := make([]string, 0, len(kw))
	for w := range kw {
		words = append(words, w)
	}
	sort.Strings(words)
	if len(words) > maxKeywords {
		words = words[:maxKeywords]
	}
	for _, w := range words {
		features = append(features, "kw="+w)
	}

	sort.Strings(features[1:])
	return features
}

// Keywords normalizes free text into distinct, sorted content words.
func Keywords(text string) []string {
	text = NormalizeText(text)
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.Fields(text) {
		if len(w) < 3 || stopWords[w] || w == "uuid" {
			continue
		}
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}

// NormalizeText lower-cases text and masks ids and numbers.
func NormalizeText(s string) string {
	s = reUUID.ReplaceAllString(s, " uuid ")
	s = strings.ToLower(s)
	s = reNumber.ReplaceAllString(s, " n ")
	s = reNonWord.ReplaceAllString(s, " ")
	s = reWhitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func normalizeValue(v models.Value) string {
	switch v.Kind() {
	case models.KindString:
		s, _ := v.AsString()
		return strings.Join(strings.Fields(strings.ToLower(s)), " ")
	case models.KindNumber:
		n, _ := v.AsNumber()
		return strconv.FormatFloat(n, 'f', -1, 64)
	case models.KindBool:
		b, _ := v.AsBool()
		return strconv.FormatBool(b)
	}
	return ""
}

func isIdentifierKey(k string) bool {
	k = strings.ToLower(k)
	return k == "id" || k == "sku" || strings.HasSuffix(k, "_id") || strings.HasSuffix(k, "_sku")
}
