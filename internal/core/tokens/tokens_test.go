package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimate(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 1, Estimate("a"))
	assert.Equal(t, 1, Estimate("abcd"))
	assert.Equal(t, 2, Estimate("abcde"))
	assert.Equal(t, 2, Estimate("ünïcödé"))
}

func TestRunesRoundTrips(t *testing.T) {
	for n := 1; n < 50; n++ {
		s := make([]rune, Runes(n))
		for i := range s {
			s[i] = 'x'
		}
		assert.Equal(t, n, Estimate(string(s)))
	}
}
