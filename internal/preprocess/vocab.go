package preprocess

import (
	"github.com/inferloop/chatgru/pkg/constants"
)

// Vocabulary is a dense, bidirectional word/index mapping with occurrence
// counts. Indices 0..3 are always the reserved pad, start, end and unknown
// tokens.
type Vocabulary struct {
	WordToIndex map[string]int `json:"word_to_index"`
	IndexToWord []string       `json:"index_to_word"`
	WordCount   map[string]int `json:"word_count"`
}

// NewVocabulary returns a vocabulary holding only the reserved tokens.
func NewVocabulary() *Vocabulary {
	v := &Vocabulary{
		WordToIndex: make(map[string]int),
		IndexToWord: make([]string, 0, 1024),
		WordCount:   make(map[string]int),
	}
	for _, tok := range []string{constants.PadToken, constants.SOSToken, constants.EOSToken, constants.UNKToken} {
		v.WordToIndex[tok] = len(v.IndexToWord)
		v.IndexToWord = append(v.IndexToWord, tok)
	}
	return v
}

// AddWord registers one occurrence of word and returns its index.
func (v *Vocabulary) AddWord(word string) int {
	idx, ok := v.WordToIndex[word]
	if !ok {
		idx = len(v.IndexToWord)
		v.WordToIndex[word] = idx
		v.IndexToWord = append(v.IndexToWord, word)
	}
	if idx >= constants.NumReservedTokens {
		v.WordCount[word]++
	}
	return idx
}

// AddSentence registers every token of a tokenized sentence.
func (v *Vocabulary) AddSentence(tokens []string) {
	for _, tok := range tokens {
		v.AddWord(tok)
	}
}

// Size returns the number of indices, reserved tokens included.
func (v *Vocabulary) Size() int {
	return len(v.IndexToWord)
}

// Contains reports whether word has its own index.
func (v *Vocabulary) Contains(word string) bool {
	_, ok := v.WordToIndex[word]
	return ok
}

// Index returns the index of word, or the unknown-token index.
func (v *Vocabulary) Index(word string) int {
	if idx, ok := v.WordToIndex[word]; ok {
		return idx
	}
	return constants.UNKIndex
}

// Word returns the word at idx, or the unknown token when idx is out of range.
func (v *Vocabulary) Word(idx int) string {
	if idx < 0 || idx >= len(v.IndexToWord) {
		return constants.UNKToken
	}
	return v.IndexToWord[idx]
}

// IsReserved reports whether idx is one of the reserved token indices.
func (v *Vocabulary) IsReserved(idx int) bool {
	return idx >= 0 && idx < constants.NumReservedTokens
}

// Encode maps tokens to indices and terminates the sequence with <eos>.
func (v *Vocabulary) Encode(tokens []string) []int {
	ids := make([]int, 0, len(tokens)+1)
	for _, tok := range tokens {
		ids = append(ids, v.Index(tok))
	}
	return append(ids, constants.EOSIndex)
}

// Decode maps indices back to words, stopping at <eos> and skipping padding
// and start tokens.
func (v *Vocabulary) Decode(ids []int) []string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		switch id {
		case constants.EOSIndex:
			return words
		case constants.PadIndex, constants.SOSIndex:
			continue
		}
		words = append(words, v.Word(id))
	}
	return words
}

// Trim returns a new vocabulary without the words seen fewer than minCount
// times. Surviving words keep their relative order, so indices stay dense.
func (v *Vocabulary) Trim(minCount int) *Vocabulary {
	if minCount <= 1 {
		return v
	}
	trimmed := NewVocabulary()
	for _, word := range v.IndexToWord[constants.NumReservedTokens:] {
		count := v.WordCount[word]
		if count < minCount {
			continue
		}
		trimmed.WordToIndex[word] = len(trimmed.IndexToWord)
		trimmed.IndexToWord = append(trimmed.IndexToWord, word)
		trimmed.WordCount[word] = count
	}
	return trimmed
}
