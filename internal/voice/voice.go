// Package voice picks the Polly voice for a piece of narration text.
package voice

import "unicode"

const (
	DefaultVoice        = "Joanna"
	ChineseVoice        = "Zhiyu"
	ChineseLanguageCode = "cmn-CN"
)

// Selection is the voice used for one chunk. LanguageCode is empty when the
// voice's own default language applies.
type Selection struct {
	VoiceID      string
	LanguageCode string
}

// Selector chooses a voice from chunk text and the user's preferred voice.
type Selector func(text, preferred string) Selection

// cjk covers CJK Unified Ideographs, Extension A and the compatibility block.
var cjk = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x3400, Hi: 0x9FFF, Stride: 1},
		{Lo: 0xF900, Hi: 0xFAFF, Stride: 1},
	},
}

// ContainsChinese reports whether text has at least one CJK ideograph.
func ContainsChinese(text string) bool {
	for _, r := range text {
		if unicode.Is(cjk, r) {
			return true
		}
	}
	return false
}

// Select is the default Selector. Chinese text, or a preference for the
// Chinese voice, always gets the Mandarin voice and locale.
func Select(text, preferred string) Selection {
	if ContainsChinese(text) || preferred == ChineseVoice {
		return Selection{VoiceID: ChineseVoice, LanguageCode: ChineseLanguageCode}
	}
	if preferred == "" {
		preferred = DefaultVoice
	}
	return Selection{VoiceID: preferred}
}

// Fixed returns a Selector that ignores the text.
func Fixed(sel Selection) Selector {
	return func(string, string) Selection { return sel }
}
