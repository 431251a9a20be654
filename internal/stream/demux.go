// Package stream turns the agent's stdout byte stream into discrete records
// and classifies each record into timeline entries.
package stream

import "bytes"

// DefaultMaxLine bounds a single buffered record.
const DefaultMaxLine = 16 << 20

// Demuxer splits an unbounded sequence of byte chunks into newline-delimited
// lines. Partial lines are buffered across writes, so the lines delivered are
// the same no matter where the chunk boundaries fall.
//
// A Demuxer is not safe for concurrent use; it is fed by a single reader.
type Demuxer struct {
	buf        []byte
	maxLine    int
	discarding bool
	onLine     func(line []byte)

	// Oversized counts lines dropped for exceeding maxLine.
	Oversized int
}

// NewDemuxer returns a Demuxer that calls onLine for every complete line.
// The slice passed to onLine is only valid for the duration of the call.
func NewDemuxer(maxLine int, onLine func(line []byte)) *Demuxer {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &Demuxer{maxLine: maxLine, onLine: onLine}
}

// Write implements io.Writer. It never returns an error.
func (d *Demuxer) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			d.accumulate(p)
			break
		}
		d.accumulate(p[:i])
		d.emit()
		p = p[i+1:]
	}
	return n, nil
}

// Flush delivers a trailing line that was not newline-terminated. Call it
// once the underlying stream reaches EOF.
func (d *Demuxer) Flush() {
	if len(d.buf) > 0 || d.discarding {
		d.emit()
	}
}

// Buffered reports how many bytes of an incomplete line are held.
func (d *Demuxer) Buffered() int {
	return len(d.buf)
}

func (d *Demuxer) accumulate(chunk []byte) {
	if d.discarding || len(chunk) == 0 {
		return
	}
	if len(d.buf)+len(chunk) > d.maxLine {
		d.buf = d.buf[:0]
		d.discarding = true
		d.Oversized++
		return
	}
	d.buf = append(d.buf, chunk...)
}

func (d *Demuxer) emit() {
	if !d.discarding {
		line := bytes.TrimSuffix(d.buf, []byte{'\r'})
		if len(bytes.TrimSpace(line)) > 0 && d.onLine != nil {
			d.onLine(line)
		}
	}
	d.buf = d.buf[:0]
	d.discarding = false
}
