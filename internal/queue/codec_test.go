package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/gopodq/internal/domain"
)

func TestEncodeLine(t *testing.T) {
	e := &domain.QueueEntry{
		URL:        "http://example.com/ep 1.mp3",
		LocalPath:  "/pods/My \"Show\"/ep1.mp3",
		Status:     domain.StatusFailed,
		BytesDone:  42,
		BytesTotal: domain.SizeUnknown,
		LastError:  "HTTP 404\nnot found",
	}

	line := encodeLine(e)
	assert.Equal(t, `"http://example.com/ep 1.mp3" "/pods/My \"Show\"/ep1.mp3" failed 42 - "HTTP 404\nnot found"`, line)

	back, err := decodeLine(line)
	require.NoError(t, err)
	assert.Equal(t, e.URL, back.URL)
	assert.Equal(t, e.LocalPath, back.LocalPath)
	assert.Equal(t, e.Status, back.Status)
	assert.Equal(t, e.BytesDone, back.BytesDone)
	assert.Equal(t, domain.SizeUnknown, back.BytesTotal)
	assert.Equal(t, e.LastError, back.LastError)
}

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		status domain.EntryStatus
		done   int64
		total  int64
	}{
		{"full", `"http://a/b.mp3" "/x/b.mp3" paused 10 100`, domain.StatusPaused, 10, 100},
		{"legacy pair", `http://a/b.mp3 "/x/b.mp3"`, domain.StatusQueued, 0, domain.SizeUnknown},
		{"legacy downloaded tag", `http://a/b.mp3 "/x/b.mp3" downloaded`, domain.StatusFinished, 0, domain.SizeUnknown},
		{"legacy played tag", `http://a/b.mp3 "/x/b.mp3" played`, domain.StatusFinished, 0, domain.SizeUnknown},
		{"in flight resumes as queued", `"http://a/b.mp3" "/x/b.mp3" downloading 5 9`, domain.StatusQueued, 5, 9},
		{"stale total dropped", `"http://a/b.mp3" "/x/b.mp3" queued 50 10`, domain.StatusQueued, 50, domain.SizeUnknown},
		{"unterminated quote", `"http://a/b.mp3" "/x/b.mp3`, domain.StatusQueued, 0, domain.SizeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := decodeLine(tt.line)
			require.NoError(t, err)
			assert.Equal(t, "http://a/b.mp3", e.URL)
			assert.Equal(t, "/x/b.mp3", e.LocalPath)
			assert.Equal(t, tt.status, e.Status)
			assert.Equal(t, tt.done, e.BytesDone)
			assert.Equal(t, tt.total, e.BytesTotal)
		})
	}
}

func TestDecodeLineRejectsMalformed(t *testing.T) {
	for _, line := range []string{
		`"http://a/b.mp3"`,
		`"" "/x/b.mp3"`,
		`"http://a/b.mp3" ""`,
		`"http://a/b.mp3" "/x/b.mp3" exploded`,
		`"http://a/b.mp3" "/x/b.mp3" queued -4`,
		`"http://a/b.mp3" "/x/b.mp3" queued 1 lots`,
		`"http://a/b.mp3" "/x/b.mp3\`,
	} {
		_, err := decodeLine(line)
		assert.Error(t, err, line)
		assert.NotErrorIs(t, err, errBlankLine, line)
	}

	for _, line := range []string{"", "   ", "# a comment"} {
		_, err := decodeLine(line)
		assert.ErrorIs(t, err, errBlankLine)
	}
}

func TestTokenizeEscapes(t *testing.T) {
	tokens, err := tokenize(`plain "with space" "tab\there" "back\\slash" "q\"uote" "odd\x"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"plain", "with space", "tab\there", `back\slash`, `q"uote`, "oddx"}, tokens)

	for _, s := range []string{"", `a"b`, "multi\nline\r\n", `\\`, "\t"} {
		back, err := tokenize(quote(s))
		require.NoError(t, err)
		require.Len(t, back, 1)
		assert.Equal(t, s, back[0])
	}
}
