package clipboard

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestMarshalLayout(t *testing.T) {
	d := Text("hi", time.Time{})
	got := d.Marshal()
	want := []byte{0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 2, 'h', 'i'}
	if !bytes.Equal(got, want) {
		t.Errorf("Marshal = % x, want % x", got, want)
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	d := New(time.Unix(10, 0))
	d.Add(FormatText, []byte("hello"))
	d.Add(FormatHTML, []byte("<b>hello</b>"))
	d.Add(FormatBitmap, []byte{})

	back, err := Unmarshal(d.Marshal(), time.Unix(20, 0))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !Equal(d, back) {
		t.Error("round trip changed clipboard contents")
	}
	if string(back.Get(FormatHTML)) != "<b>hello</b>" {
		t.Errorf("html = %q", back.Get(FormatHTML))
	}
	if !back.Has(FormatBitmap) {
		t.Error("empty bitmap format lost")
	}
	if !back.Time.Equal(time.Unix(20, 0)) {
		t.Errorf("Time = %v", back.Time)
	}
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		{0, 0, 0, 1},
		{0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 9, 'x'},
	} {
		if _, err := Unmarshal(data, time.Time{}); !errors.Is(err, ErrMalformed) {
			t.Errorf("Unmarshal(% x) = %v, want ErrMalformed", data, err)
		}
	}
}

func TestEqualIgnoresTime(t *testing.T) {
	a := Text("same", time.Unix(1, 0))
	b := Text("same", time.Unix(2, 0))
	if !Equal(a, b) {
		t.Error("clipboards with equal content compared unequal")
	}
	if Equal(a, Text("other", time.Unix(1, 0))) {
		t.Error("clipboards with different content compared equal")
	}
	if Equal(a, nil) || !Equal(nil, nil) {
		t.Error("nil handling is wrong")
	}
}
