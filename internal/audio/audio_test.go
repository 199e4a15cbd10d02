package audio

import (
	"bytes"
	"math"
	"testing"

	"github.com/example/go-vibevoice/internal/testutil"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	samples := make([]float32, 480)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / ExpectedSampleRate))
	}

	data, err := EncodeWAV(samples)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	testutil.AssertValidWAV(t, data)

	decoded, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("decoded %d samples; want %d", len(decoded), len(samples))
	}
	for i := range samples {
		// 16-bit quantization allows up to one LSB of error.
		if diff := math.Abs(float64(decoded[i] - samples[i])); diff > 1.0/32767*2 {
			t.Fatalf("sample %d: decoded %v, original %v", i, decoded[i], samples[i])
		}
	}
}

func TestDecodeWAV_RejectsBadInput(t *testing.T) {
	if _, err := DecodeWAV(nil); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := DecodeWAV([]byte("not a wav file at all")); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestWriteWAVHeaderStreaming(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteWAVHeaderStreaming(&buf)
	if err != nil {
		t.Fatalf("WriteWAVHeaderStreaming: %v", err)
	}
	if n != 44 {
		t.Errorf("wrote %d bytes; want 44", n)
	}

	hdr := buf.Bytes()
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE markers")
	}
	// Streaming sizes are the unknown-length sentinel.
	for _, off := range []int{4, 40} {
		for i := range 4 {
			if hdr[off+i] != 0xFF {
				t.Errorf("byte %d = %#x; want 0xFF streaming size marker", off+i, hdr[off+i])
			}
		}
	}
}

func TestWritePCM16Samples_ClampsAndScales(t *testing.T) {
	var buf bytes.Buffer
	n, err := WritePCM16Samples(&buf, []float32{0, 1, -1, 2.5, -2.5})
	if err != nil {
		t.Fatalf("WritePCM16Samples: %v", err)
	}
	if n != 10 {
		t.Errorf("wrote %d bytes; want 10", n)
	}

	out := buf.Bytes()
	readInt16 := func(i int) int16 {
		return int16(uint16(out[i*2]) | uint16(out[i*2+1])<<8)
	}
	if v := readInt16(0); v != 0 {
		t.Errorf("sample 0 = %d; want 0", v)
	}
	if v := readInt16(1); v != 32767 {
		t.Errorf("sample 1 = %d; want 32767", v)
	}
	if v := readInt16(2); v != -32767 {
		t.Errorf("sample 2 = %d; want -32767", v)
	}
	if v := readInt16(3); v != 32767 {
		t.Errorf("out-of-range sample 3 = %d; want clamped 32767", v)
	}
	if v := readInt16(4); v != -32767 {
		t.Errorf("out-of-range sample 4 = %d; want clamped -32767", v)
	}
}

func TestSeekBuffer_OverwriteInMiddle(t *testing.T) {
	sb := &seekBuffer{buf: &bytes.Buffer{}}
	if _, err := sb.Write([]byte("abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := sb.Seek(2, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if _, err := sb.Write([]byte("XY")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	if got := sb.buf.String(); got != "abXYef" {
		t.Errorf("buffer = %q; want abXYef", got)
	}
}
