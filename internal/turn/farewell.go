package turn

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	// fuzzyFarewellThreshold is the Jaro-Winkler score a transcript word needs
	// to count as a misrecognised farewell.
	fuzzyFarewellThreshold = 0.95

	// minFuzzyLen keeps short farewells exact-match only, so "by" never
	// passes for "bye".
	minFuzzyLen = 5
)

// DetectFarewell reports whether transcript contains one of farewells.
//
// The transcript is split into words. A farewell matches a word, or two
// adjacent words written together ("good bye"), exactly and case-insensitively.
// Farewells of five or more letters also match transcription slips
// ("goodby", "good-bye"): the word must share a Double Metaphone code with
// the farewell and score at least 0.95 Jaro-Winkler similarity, which keeps
// "good boy" out.
func DetectFarewell(transcript string, farewells []string) bool {
	words := tokenize(transcript)
	if len(words) == 0 {
		return false
	}
	candidates := make([]string, 0, 2*len(words))
	candidates = append(candidates, words...)
	for i := 1; i < len(words); i++ {
		candidates = append(candidates, words[i-1]+words[i])
	}

	for _, f := range farewells {
		f = strings.ToLower(strings.Join(tokenize(f), ""))
		if f == "" {
			continue
		}
		for _, c := range candidates {
			if c == f {
				return true
			}
			if len(f) >= minFuzzyLen && fuzzyMatch(c, f) {
				return true
			}
		}
	}
	return false
}

func fuzzyMatch(word, farewell string) bool {
	if !sharesCode(word, farewell) {
		return false
	}
	return matchr.JaroWinkler(word, farewell, false) >= fuzzyFarewellThreshold
}

func sharesCode(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	for _, x := range []string{ap, as} {
		if x == "" {
			continue
		}
		if x == bp || x == bs {
			return true
		}
	}
	return false
}

// tokenize lower-cases s and splits it into words of letters, digits and
// apostrophes.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !isWordRune(r) && r != '\''
	})
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
