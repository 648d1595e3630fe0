package sheet

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{"simple", "a,b,c", []string{"a", "b", "c"}},
		{"trims unquoted", "  a , b ,c  ", []string{"a", "b", "c"}},
		{"quoted comma", `"Banda, John",0977`, []string{"Banda, John", "0977"}},
		{"escaped quote", `"say ""hi""",x`, []string{`say "hi"`, "x"}},
		{"quoted keeps inner space", `" padded ",x`, []string{" padded ", "x"}},
		{"space around quotes", `  "a"  ,b`, []string{"a", "b"}},
		{"trailing comma", "a,b,", []string{"a", "b", ""}},
		{"empty line", "", []string{""}},
		{"empty quoted", `"",x`, []string{"", "x"}},
		{"quoted newline", "\"line1\nline2\",x", []string{"line1\nline2", "x"}},
		{"unterminated quote", `a,"open ended`, []string{"a", "open ended"}},
		{"mid-field quote literal", `5" screen,x`, []string{`5" screen`, "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLine(tt.line))
		})
	}
}

func TestJoinLine(t *testing.T) {
	assert.Equal(t, `a,"b,c","d""e"`, JoinLine([]string{"a", "b,c", `d"e`}))
	assert.Equal(t, `" lead",trail`, JoinLine([]string{" lead", "trail"}))
	assert.Equal(t, ",", JoinLine([]string{"", ""}))
}

func TestJoinParse_RoundTrip(t *testing.T) {
	fixed := [][]string{
		{"a"},
		{""},
		{"", ""},
		{"x,y", `"`, `""`, " spaced ", "plain"},
		{`,",`, "tab\tinside", "end,"},
	}
	for _, fields := range fixed {
		assert.Equal(t, fields, ParseLine(JoinLine(fields)), "fields %q", fields)
	}

	rng := rand.New(rand.NewPCG(42, 7))
	for i := 0; i < 500; i++ {
		n := 1 + rng.IntN(6)
		fields := make([]string, n)
		for j := range fields {
			fields[j] = randomPrintable(rng, rng.IntN(12))
		}
		assert.Equal(t, fields, ParseLine(JoinLine(fields)), "fields %q", fields)
	}
}

func randomPrintable(rng *rand.Rand, n int) string {
	// Bias toward the characters that matter to the encoder.
	special := []byte{',', '"', ' ', ','}
	b := make([]byte, n)
	for i := range b {
		if rng.IntN(4) == 0 {
			b[i] = special[rng.IntN(len(special))]
			continue
		}
		b[i] = byte(0x20 + rng.IntN(0x7f-0x20))
	}
	return string(b)
}

func TestSplitRecords(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"plain lines", "a,b\nc,d\n", []string{"a,b", "c,d"}},
		{"crlf", "a,b\r\nc,d", []string{"a,b", "c,d"}},
		{"quoted newline", "\"x\ny\",1\nz,2", []string{"\"x\ny\",1", "z,2"}},
		{"stray inch mark", "5\" screen,1\nnext,2", []string{"5\" screen,1", "next,2"}},
		{"unterminated quote falls back", "a,\"open\nb,c\nd,e", []string{"a,\"open", "b,c", "d,e"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitRecords(tt.text))
		})
	}
}
