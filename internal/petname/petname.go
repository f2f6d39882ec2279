// Package petname generates memorable instance names such as
// "brave-otter" from embedded word lists.
package petname

import (
	_ "embed"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

var (
	//go:embed adjectives.txt
	adjectivesTxt string
	//go:embed adverbs.txt
	adverbsTxt string
	//go:embed names.txt
	namesTxt string

	adjectives = words(adjectivesTxt)
	adverbs    = words(adverbsTxt)
	names      = words(namesTxt)
)

func words(txt string) []string {
	return strings.Fields(txt)
}

// ErrInvalidNumWords is returned for word counts outside 1-3.
var ErrInvalidNumWords = errors.New("invalid number of words")

// ErrEmptyWordList is returned when a word list has no entries.
var ErrEmptyWordList = errors.New("empty word list")

// NameGenerator produces instance names.
type NameGenerator interface {
	MakeName() string
}

// Generator picks one to three words joined by a separator.
type Generator struct {
	numWords  int
	separator string
	rng       *rand.Rand
}

// New validates the arguments and returns a Generator. The separator must not
// be empty, and neither it nor the words may contain whitespace.
func New(numWords int, separator string) (*Generator, error) {
	if numWords < 1 || numWords > 3 {
		return nil, fmt.Errorf("%w: %d. Must be 1, 2, or 3", ErrInvalidNumWords, numWords)
	}
	if separator == "" || strings.ContainsAny(separator, " \t\n") {
		return nil, fmt.Errorf("invalid separator %q", separator)
	}
	for list, ws := range map[string][]string{"adjectives": adjectives, "adverbs": adverbs, "names": names} {
		if len(ws) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyWordList, list)
		}
	}
	return &Generator{
		numWords:  numWords,
		separator: separator,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}, nil
}

// MakeName returns a new random name. It is not safe for concurrent use.
func (g *Generator) MakeName() string {
	name := pick(g.rng, names)
	switch g.numWords {
	case 1:
		return name
	case 2:
		return pick(g.rng, adjectives) + g.separator + name
	default:
		return pick(g.rng, adverbs) + g.separator + pick(g.rng, adjectives) + g.separator + name
	}
}

func pick(rng *rand.Rand, ws []string) string {
	return ws[rng.IntN(len(ws))]
}

// Unique returns a name from gen that taken does not report as used,
// giving up after attempts tries.
func Unique(gen NameGenerator, taken func(string) bool, attempts int) (string, error) {
	for range attempts {
		name := gen.MakeName()
		if !taken(name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("no unused name found after %d attempts", attempts)
}
