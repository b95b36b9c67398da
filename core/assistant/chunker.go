package assistant

import (
	"regexp"
	"strings"
	"unicode"
)

// ChunkSize is the target chunk length in characters.
const ChunkSize = 800

var paragraphSep = regexp.MustCompile(`\n\s*\n`)

// SplitChunks splits `text` on paragraph boundaries into chunks of about `size` characters.
// Paragraphs longer than `size` are split on sentence, then word boundaries.
func SplitChunks(text string, size int) []string {
	if size <= 0 {
		size = ChunkSize
	}
	chunks := make([]string, 0)
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}

	for _, para := range paragraphSep.Split(text, -1) {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" {
			continue
		}
		for _, piece := range splitLong(para, size) {
			if cur.Len() > 0 && cur.Len()+len(piece)+2 > size {
				flush()
			}
			if cur.Len() > 0 {
				cur.WriteString("\n\n")
			}
			cur.WriteString(piece)
		}
	}
	flush()
	return chunks
}

func splitLong(para string, size int) []string {
	if len(para) <= size {
		return []string{para}
	}
	pieces := make([]string, 0, len(para)/size+1)
	var cur strings.Builder
	for _, word := range strings.Fields(para) {
		if cur.Len() > 0 && cur.Len()+len(word)+1 > size {
			pieces = append(pieces, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		pieces = append(pieces, cur.String())
	}
	return pieces
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true, "by": true,
	"can": true, "do": true, "does": true, "for": true, "from": true, "how": true, "i": true,
	"in": true, "is": true, "it": true, "my": true, "of": true, "on": true, "or": true, "our": true,
	"the": true, "to": true, "we": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "with": true, "you": true, "your": true,
}

// Terms returns the lowercased, de-duplicated words of `s` minus stop words.
func Terms(s string) []string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) < 2 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

// OverlapScore is the share of the query terms found in `content`.
func OverlapScore(queryTerms []string, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, t := range Terms(content) {
		have[t] = true
	}
	var hits int
	for _, t := range queryTerms {
		if have[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}
