// Package codec compresses input streams for the wire. Consecutive
// frames are XORed against each other and the resulting delta stream is
// run-length encoded; held buttons produce long zero runs, which is
// where the compression comes from.
package codec

import (
	"errors"
	"fmt"
)

// ErrMalformedInputStream is wrapped by every decode failure. The peer
// layer drops the packet and counts it; the error never reaches the
// host.
var ErrMalformedInputStream = errors.New("malformed input stream")

// The RLE stream is a sequence of chunks:
//
//	lit:u8  rep:u8  <lit literal bytes>  <1 value byte if rep > 0>
//
// where the value byte is emitted rep times on decode. Runs shorter
// than minRun are cheaper as literals.
const (
	maxLit = 255
	maxRep = 255
	minRun = 3
)

// Encode compresses the frame rows. All rows must share one length,
// the fixed input size. The first row is encoded as a delta against
// zero, so the stream is self-contained.
func Encode(rows [][]byte) ([]byte, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("encode: no rows")
	}
	size := len(rows[0])
	if size == 0 {
		return nil, fmt.Errorf("encode: zero-size input")
	}

	// XOR each row against its predecessor.
	delta := make([]byte, 0, len(rows)*size)
	prev := make([]byte, size)
	for i, row := range rows {
		if len(row) != size {
			return nil, fmt.Errorf("encode: row %d is %d bytes, want %d", i, len(row), size)
		}
		for j, b := range row {
			delta = append(delta, b^prev[j])
		}
		prev = row
	}

	return rle(delta), nil
}

func rle(src []byte) []byte {
	out := make([]byte, 0, len(src)/4+8)
	litStart := 0
	i := 0
	for i < len(src) {
		// Measure the run starting at i.
		run := 1
		for i+run < len(src) && src[i+run] == src[i] && run < maxRep {
			run++
		}
		if run >= minRun {
			out = flush(out, src[litStart:i], src[i], run)
			i += run
			litStart = i
			continue
		}
		i += run
		if i-litStart >= maxLit {
			out = flush(out, src[litStart:litStart+maxLit], 0, 0)
			litStart += maxLit
		}
	}
	if litStart < len(src) {
		out = flush(out, src[litStart:], 0, 0)
	}
	return out
}

func flush(out, lit []byte, val byte, rep int) []byte {
	// Literal stretches longer than one chunk spill into lit-only
	// chunks first.
	for len(lit) > maxLit {
		out = append(out, maxLit, 0)
		out = append(out, lit[:maxLit]...)
		lit = lit[maxLit:]
	}
	out = append(out, byte(len(lit)), byte(rep))
	out = append(out, lit...)
	if rep > 0 {
		out = append(out, val)
	}
	return out
}

// Decode reverses Encode. It validates that the stream expands to
// exactly count rows of inputSize bytes and fails with
// ErrMalformedInputStream otherwise.
func Decode(data []byte, count, inputSize int) ([][]byte, error) {
	if count <= 0 || inputSize <= 0 {
		return nil, fmt.Errorf("%w: count %d size %d", ErrMalformedInputStream, count, inputSize)
	}
	want := count * inputSize
	delta := make([]byte, 0, want)

	i := 0
	for i < len(data) {
		if i+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated chunk header", ErrMalformedInputStream)
		}
		lit := int(data[i])
		rep := int(data[i+1])
		i += 2
		if i+lit > len(data) {
			return nil, fmt.Errorf("%w: truncated literal run", ErrMalformedInputStream)
		}
		delta = append(delta, data[i:i+lit]...)
		i += lit
		if rep > 0 {
			if i >= len(data) {
				return nil, fmt.Errorf("%w: missing repeat value", ErrMalformedInputStream)
			}
			val := data[i]
			i++
			for r := 0; r < rep; r++ {
				delta = append(delta, val)
			}
		}
		if len(delta) > want {
			return nil, fmt.Errorf("%w: stream expands past %d bytes", ErrMalformedInputStream, want)
		}
	}
	if len(delta) != want {
		return nil, fmt.Errorf("%w: decoded %d bytes, want %d", ErrMalformedInputStream, len(delta), want)
	}

	// Undo the XOR chain.
	rows := make([][]byte, count)
	prev := make([]byte, inputSize)
	for r := 0; r < count; r++ {
		row := make([]byte, inputSize)
		for j := 0; j < inputSize; j++ {
			row[j] = delta[r*inputSize+j] ^ prev[j]
		}
		rows[r] = row
		prev = row
	}
	return rows, nil
}
