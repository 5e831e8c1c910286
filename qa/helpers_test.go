package qa

import (
	"strings"
	"sync"

	"github.com/squadqa/go-squadqa/tokenizers/api"
)

// spaceTokenizer is a deterministic whitespace tokenizer with byte spans,
// used to exercise the chunking and alignment contracts without a real
// subword model. Safe for concurrent encoding.
type spaceTokenizer struct {
	mu     sync.Mutex
	vocab  map[string]int
	pieces []string
}

const (
	testPadID = 0
	testClsID = 1
	testSepID = 2
)

func newSpaceTokenizer() *spaceTokenizer {
	return &spaceTokenizer{vocab: make(map[string]int)}
}

func (t *spaceTokenizer) idOf(word string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.vocab[word]; ok {
		return id
	}
	id := len(t.pieces) + 10
	t.vocab[word] = id
	t.pieces = append(t.pieces, word)
	return id
}

func (t *spaceTokenizer) EncodeWithSpans(text string) api.EncodingResult {
	var res api.EncodingResult
	pos := 0
	for pos < len(text) {
		for pos < len(text) && text[pos] == ' ' {
			pos++
		}
		if pos >= len(text) {
			break
		}
		end := strings.IndexByte(text[pos:], ' ')
		if end < 0 {
			end = len(text)
		} else {
			end += pos
		}
		res.IDs = append(res.IDs, t.idOf(text[pos:end]))
		res.Spans = append(res.Spans, api.TokenSpan{Start: pos, End: end})
		pos = end
	}
	return res
}

func (t *spaceTokenizer) Encode(text string) []int {
	return t.EncodeWithSpans(text).IDs
}

func (t *spaceTokenizer) Decode(ids []int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var words []string
	for _, id := range ids {
		if id >= 10 && id-10 < len(t.pieces) {
			words = append(words, t.pieces[id-10])
		}
	}
	return strings.Join(words, " ")
}

func (t *spaceTokenizer) SpecialTokenID(tok api.SpecialToken) (int, error) {
	switch tok {
	case api.TokClassification:
		return testClsID, nil
	case api.TokEndOfSentence:
		return testSepID, nil
	case api.TokPad:
		return testPadID, nil
	}
	return 0, errUnknownSpecial
}

var errUnknownSpecial = errString("unknown special token")

type errString string

func (e errString) Error() string { return string(e) }

// wordOffset returns the byte offset of the n-th space-separated word.
func wordOffset(text string, n int) int {
	words := strings.Fields(text)
	off := 0
	for i := 0; i < n; i++ {
		off = strings.Index(text[off:], words[i]) + off + len(words[i])
	}
	return strings.Index(text[off:], words[n]) + off
}

// manyWords builds a context of n distinct words.
func manyWords(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = "w" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26))
	}
	return strings.Join(words, " ")
}
