package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// Clipboard transfers are split into DCLP messages: a start mark whose
// data is the decimal total size, chunk marks carrying the bytes, and an
// empty end mark.
const (
	ChunkMarkStart uint8 = 1
	ChunkMarkData  uint8 = 2
	ChunkMarkEnd   uint8 = 3

	ClipboardChunkSize = 32 * 1024

	// MaxClipboardSize bounds a reassembled clipboard.
	MaxClipboardSize = 32 * 1024 * 1024
)

// ClipboardChunks encodes data as a sequence of DCLP messages.
func ClipboardChunks(id uint8, seq uint32, data []byte) ([][]byte, error) {
	var out [][]byte
	add := func(mark uint8, payload []byte) error {
		msg, err := Encode(MsgDClipboard, id, seq, mark, payload)
		if err != nil {
			return err
		}
		out = append(out, msg)
		return nil
	}

	if err := add(ChunkMarkStart, []byte(strconv.Itoa(len(data)))); err != nil {
		return nil, err
	}
	for start := 0; start < len(data); start += ClipboardChunkSize {
		end := min(start+ClipboardChunkSize, len(data))
		if err := add(ChunkMarkData, data[start:end]); err != nil {
			return nil, err
		}
	}
	if err := add(ChunkMarkEnd, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// ClipboardAssembler rebuilds clipboard data from DCLP messages for one
// clipboard id. The zero value is ready for use.
type ClipboardAssembler struct {
	expected int
	active   bool
	buf      bytes.Buffer
}

// Add feeds one chunk. It returns the complete data once the end mark
// arrives. A chunk that does not fit the transfer in progress is a
// protocol violation and resets the assembler.
func (a *ClipboardAssembler) Add(mark uint8, data []byte) (complete []byte, done bool, err error) {
	switch mark {
	case ChunkMarkStart:
		n, convErr := strconv.Atoi(string(data))
		if convErr != nil || n < 0 {
			a.reset()
			return nil, false, fmt.Errorf("clipboard size %q: %w", data, ErrFormatMismatch)
		}
		if n > MaxClipboardSize {
			a.reset()
			return nil, false, fmt.Errorf("clipboard of %d bytes: %w", n, ErrOversized)
		}
		a.reset()
		a.expected = n
		a.active = true
		return nil, false, nil

	case ChunkMarkData:
		if !a.active || a.buf.Len()+len(data) > a.expected {
			a.reset()
			return nil, false, fmt.Errorf("unexpected clipboard chunk: %w", ErrProtocolViolation)
		}
		a.buf.Write(data)
		return nil, false, nil

	case ChunkMarkEnd:
		if !a.active || a.buf.Len() != a.expected {
			a.reset()
			return nil, false, fmt.Errorf("incomplete clipboard transfer: %w", ErrProtocolViolation)
		}
		complete = bytes.Clone(a.buf.Bytes())
		a.reset()
		return complete, true, nil
	}
	a.reset()
	return nil, false, fmt.Errorf("clipboard chunk mark %d: %w", mark, ErrFormatMismatch)
}

func (a *ClipboardAssembler) reset() {
	a.expected = 0
	a.active = false
	a.buf.Reset()
}
