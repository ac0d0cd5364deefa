// Package clipboard holds clipboard contents and their wire form.
package clipboard

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/zeebo/blake3"
)

// Format identifies one representation of clipboard data.
type Format uint32

// Clipboard formats.
const (
	FormatText   Format = 0
	FormatHTML   Format = 1
	FormatBitmap Format = 2
	NumFormats          = 3
)

func (f Format) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatHTML:
		return "html"
	case FormatBitmap:
		return "bitmap"
	}
	return fmt.Sprintf("format(%d)", uint32(f))
}

// ErrMalformed is returned by Unmarshal for data that is not a marshalled
// clipboard.
var ErrMalformed = errors.New("clipboard: malformed data")

// Data is a snapshot of one clipboard: zero or more formats plus the time
// the owner took it. The zero value is an empty clipboard.
type Data struct {
	formats map[Format][]byte
	Time    time.Time
}

// New returns an empty clipboard stamped with t.
func New(t time.Time) *Data {
	return &Data{Time: t}
}

// Text returns a clipboard holding a single text format.
func Text(s string, t time.Time) *Data {
	d := New(t)
	d.Add(FormatText, []byte(s))
	return d
}

// Add sets the data for one format.
func (d *Data) Add(f Format, data []byte) {
	if d.formats == nil {
		d.formats = make(map[Format][]byte)
	}
	d.formats[f] = data
}

// Has reports whether the clipboard carries format f.
func (d *Data) Has(f Format) bool {
	_, ok := d.formats[f]
	return ok
}

// Get returns the data for format f.
func (d *Data) Get(f Format) []byte {
	return d.formats[f]
}

// Formats returns the formats present, in ascending order.
func (d *Data) Formats() []Format {
	return slices.Sorted(maps.Keys(d.formats))
}

// Empty reports whether no format is present.
func (d *Data) Empty() bool { return len(d.formats) == 0 }

// Marshal encodes the clipboard as a 4-byte format count followed by
// (format, length, bytes) for each format.
func (d *Data) Marshal() []byte {
	size := 4
	for _, data := range d.formats {
		size += 8 + len(data)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(d.formats)))
	for _, f := range d.Formats() {
		data := d.formats[f]
		buf = binary.BigEndian.AppendUint32(buf, uint32(f))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
		buf = append(buf, data...)
	}
	return buf
}

// Unmarshal decodes data produced by Marshal, stamping the result with t.
// Unknown formats are kept so they can be forwarded.
func Unmarshal(data []byte, t time.Time) (*Data, error) {
	if len(data) < 4 {
		return nil, ErrMalformed
	}
	count := binary.BigEndian.Uint32(data)
	data = data[4:]

	d := New(t)
	for i := uint32(0); i < count; i++ {
		if len(data) < 8 {
			return nil, fmt.Errorf("%w: format %d header truncated", ErrMalformed, i)
		}
		f := Format(binary.BigEndian.Uint32(data))
		n := binary.BigEndian.Uint32(data[4:])
		data = data[8:]
		if uint64(n) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: format %s claims %d bytes, %d left", ErrMalformed, f, n, len(data))
		}
		d.Add(f, slices.Clone(data[:n]))
		data = data[n:]
	}
	return d, nil
}

// Digest is a content hash used to tell whether clipboard data changed.
type Digest [32]byte

// Sum returns the digest of the clipboard's formats. The timestamp is not
// part of the digest.
func (d *Data) Sum() Digest {
	return blake3.Sum256(d.Marshal())
}

// Equal reports whether two clipboards carry the same formats and bytes.
func Equal(a, b *Data) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Sum() == b.Sum()
}
