package petname

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratesRequestedNumWords(t *testing.T) {
	for n := 1; n <= 3; n++ {
		g, err := New(n, "-")
		require.NoError(t, err)
		assert.Len(t, strings.Split(g.MakeName(), "-"), n)
	}
}

func TestCustomSeparator(t *testing.T) {
	g, err := New(3, "_")
	require.NoError(t, err)
	name := g.MakeName()
	assert.Len(t, strings.Split(name, "_"), 3)
	assert.NotContains(t, name, "-")
}

func TestTwoWordTokensDiffer(t *testing.T) {
	g, err := New(2, "-")
	require.NoError(t, err)
	tokens := strings.Split(g.MakeName(), "-")
	require.Len(t, tokens, 2)
	assert.NotEqual(t, tokens[0], tokens[1])
}

func TestGeneratesManyUniqueNames(t *testing.T) {
	g, err := New(3, "-")
	require.NoError(t, err)

	seen := map[string]struct{}{}
	for range 1000 {
		seen[g.MakeName()] = struct{}{}
	}
	assert.GreaterOrEqual(t, len(seen), 100)
}

func TestRejectsInvalidArguments(t *testing.T) {
	for _, n := range []int{-1, 0, 4, 100} {
		_, err := New(n, "-")
		assert.ErrorIs(t, err, ErrInvalidNumWords)
	}

	_, err := New(5, "-")
	assert.EqualError(t, err, "invalid number of words: 5. Must be 1, 2, or 3")

	_, err = New(2, "")
	assert.Error(t, err)
	_, err = New(2, " ")
	assert.Error(t, err)
}

type fixedGenerator struct {
	names []string
	i     int
}

func (f *fixedGenerator) MakeName() string {
	name := f.names[f.i%len(f.names)]
	f.i++
	return name
}

func TestUnique(t *testing.T) {
	gen := &fixedGenerator{names: []string{"brave-otter", "calm-heron"}}
	taken := func(name string) bool { return name == "brave-otter" }

	name, err := Unique(gen, taken, 5)
	require.NoError(t, err)
	assert.Equal(t, "calm-heron", name)

	_, err = Unique(gen, func(string) bool { return true }, 3)
	assert.Error(t, err)
}
