package services

import (
	"html"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const maxNotesLength = 1000

var notesPolicy = bluemonday.StrictPolicy()

// sanitizeNotes strips markup from free text and caps its length. Blank input yields nil.
func sanitizeNotes(value *string) *string {
	if value == nil {
		return nil
	}
	cleaned := html.UnescapeString(notesPolicy.Sanitize(*value))
	cleaned = strings.TrimSpace(norm.NFC.String(cleaned))
	if cleaned == "" {
		return nil
	}
	if utf8.RuneCountInString(cleaned) > maxNotesLength {
		cleaned = string([]rune(cleaned)[:maxNotesLength])
	}
	return &cleaned
}

// describeVariant joins option pairs as "Color: Red, Size: M" in key order.
func describeVariant(options map[string]string) string {
	if len(options) == 0 {
		return ""
	}
	keys := make([]string, 0, len(options))
	for key := range options {
		if strings.TrimSpace(key) == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	title := cases.Title(language.Und)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, title.String(strings.TrimSpace(key))+": "+strings.TrimSpace(options[key]))
	}
	return strings.Join(parts, ", ")
}

// normalizeNumberSearch folds full-width characters and case so searches match stored numbers.
func normalizeNumberSearch(term string) string {
	return strings.ToUpper(strings.TrimSpace(norm.NFKC.String(term)))
}
