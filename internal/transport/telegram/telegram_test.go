package telegram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTextShort(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"hello"}, splitText("hello", 100))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("line one\n", 30)
	chunks := splitText(text, 100)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.NotEmpty(t, c)
		assert.LessOrEqual(t, len([]rune(c)), 100)
		assert.True(t, strings.HasSuffix(c, "line one"), "chunk should end on a line boundary: %q", c)
	}
}

func TestSplitTextHardWrap(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 250)
	chunks := splitText(text, 100)
	require.Len(t, chunks, 3)
	assert.Equal(t, 100, len(chunks[0]))
	assert.Equal(t, 50, len(chunks[2]))
}

func TestInlineMarkupData(t *testing.T) {
	t.Parallel()
	m := inlineMarkup("🚫 Cancel", "cancel:01ABC")
	require.Len(t, m.InlineKeyboard, 1)
	require.Len(t, m.InlineKeyboard[0], 1)
	assert.Equal(t, "cancel:01ABC", m.InlineKeyboard[0][0].Data)
}
