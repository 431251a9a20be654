package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStream = `{"type":"system","subtype":"init","model":"claude-sonnet","tools":["Bash","Read"]}
{"type":"assistant","message":{"content":[{"type":"text","text":"hello"},{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls"}}]}}
not json at all
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","content":"a.txt\nb.txt"}]}}
{"type":"content_block_delta","delta":{"type":"text_delta","text":"wor"}}
{"type":"result","subtype":"success","result":"done","total_cost_usd":0.25,"num_turns":2}
`

func collect(chunks []string) []string {
	var lines []string
	d := NewDemuxer(0, func(line []byte) {
		lines = append(lines, string(line))
	})
	for _, c := range chunks {
		_, _ = d.Write([]byte(c))
	}
	d.Flush()
	return lines
}

func TestDemuxer_WholeInput(t *testing.T) {
	lines := collect([]string{sampleStream})
	require.Len(t, lines, 6)
	assert.Equal(t, "not json at all", lines[2])
}

func TestDemuxer_FragmentationInvariant(t *testing.T) {
	want := collect([]string{sampleStream})

	// Every two-way split.
	for i := 0; i <= len(sampleStream); i++ {
		got := collect([]string{sampleStream[:i], sampleStream[i:]})
		require.Equal(t, want, got, "split at %d", i)
	}

	// Byte-at-a-time.
	bytewise := make([]string, 0, len(sampleStream))
	for i := 0; i < len(sampleStream); i++ {
		bytewise = append(bytewise, sampleStream[i:i+1])
	}
	assert.Equal(t, want, collect(bytewise))

	// Uneven chunk sizes.
	for size := 2; size < 64; size += 7 {
		var chunks []string
		for i := 0; i < len(sampleStream); i += size {
			end := min(i+size, len(sampleStream))
			chunks = append(chunks, sampleStream[i:end])
		}
		assert.Equal(t, want, collect(chunks), "chunk size %d", size)
	}
}

func TestDemuxer_ClassificationIsFragmentationInvariant(t *testing.T) {
	classifyAll := func(chunks []string) []Entry {
		var entries []Entry
		for _, line := range collect(chunks) {
			rec, err := Decode([]byte(line))
			if err != nil {
				continue
			}
			entries = append(entries, Classify(rec).Entries...)
		}
		return entries
	}

	want := classifyAll([]string{sampleStream})
	require.Len(t, want, 6)
	for i := 1; i < len(sampleStream); i += 11 {
		assert.Equal(t, want, classifyAll([]string{sampleStream[:i], sampleStream[i:]}))
	}
}

func TestDemuxer_PartialLineIsBuffered(t *testing.T) {
	var lines []string
	d := NewDemuxer(0, func(line []byte) { lines = append(lines, string(line)) })

	_, _ = d.Write([]byte(`{"type":"res`))
	assert.Empty(t, lines)
	assert.Equal(t, 12, d.Buffered())

	_, _ = d.Write([]byte("ult\"}\n{\"a\""))
	require.Equal(t, []string{`{"type":"result"}`}, lines)
	assert.Equal(t, 4, d.Buffered())
}

func TestDemuxer_CRLFAndBlankLines(t *testing.T) {
	lines := collect([]string{"one\r\n\r\n   \ntwo\n\n"})
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestDemuxer_FlushTrailingLine(t *testing.T) {
	var lines []string
	d := NewDemuxer(0, func(line []byte) { lines = append(lines, string(line)) })
	_, _ = d.Write([]byte("first\nsecond"))
	require.Equal(t, []string{"first"}, lines)

	d.Flush()
	assert.Equal(t, []string{"first", "second"}, lines)

	d.Flush()
	assert.Len(t, lines, 2)
}

func TestDemuxer_OversizedLineDropped(t *testing.T) {
	var lines []string
	d := NewDemuxer(16, func(line []byte) { lines = append(lines, string(line)) })

	long := strings.Repeat("x", 10)
	_, _ = d.Write([]byte(long))
	_, _ = d.Write([]byte(long))
	_, _ = d.Write([]byte(long + "\nok\n"))

	assert.Equal(t, []string{"ok"}, lines)
	assert.Equal(t, 1, d.Oversized)
	assert.Zero(t, d.Buffered())
}

func TestDemuxer_WriteReportsFullLength(t *testing.T) {
	d := NewDemuxer(0, nil)
	n, err := d.Write([]byte("abc\ndef"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}
