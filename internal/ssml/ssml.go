// Package ssml builds the spoken-markup documents sent to Polly.
package ssml

import (
	"strconv"
	"strings"
)

// DefaultSpeechRate is the "normal" rate used when a value is omitted or
// not recognised.
const DefaultSpeechRate = "1"

var prosodyRates = map[string]string{
	"0.75": "75%",
	"1":    "100%",
	"1.25": "125%",
}

// SpeechRates lists the accepted rate values in ascending order.
func SpeechRates() []string {
	return []string{"0.75", "1", "1.25"}
}

// NormalizeSpeechRate maps any input onto one of SpeechRates. Numeric
// spellings such as "1.0" or " 0.750 " resolve to their canonical key;
// everything else resolves to DefaultSpeechRate.
func NormalizeSpeechRate(rate string) string {
	key := strings.TrimSpace(rate)
	if _, ok := prosodyRates[key]; ok {
		return key
	}
	if f, err := strconv.ParseFloat(key, 64); err == nil {
		canonical := strconv.FormatFloat(f, 'f', -1, 64)
		if _, ok := prosodyRates[canonical]; ok {
			return canonical
		}
	}
	return DefaultSpeechRate
}

// ProsodyRate returns the percentage used in the prosody element.
func ProsodyRate(rate string) string {
	return prosodyRates[NormalizeSpeechRate(rate)]
}

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// Escape replaces XML special characters and collapses whitespace.
func Escape(text string) string {
	return escaper.Replace(strings.Join(strings.Fields(text), " "))
}

// Build wraps text in a speak document with a rate-controlling prosody
// element.
func Build(text, rate string) string {
	var b strings.Builder
	b.WriteString(`<speak><prosody rate="`)
	b.WriteString(ProsodyRate(rate))
	b.WriteString(`">`)
	b.WriteString(Escape(text))
	b.WriteString(`</prosody></speak>`)
	return b.String()
}
