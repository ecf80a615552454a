package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"
	"testing"
)

type rawEntry struct {
	dtype string
	shape []int64
	data  []byte
}

func buildSafetensors(t *testing.T, tensors map[string]rawEntry) []byte {
	t.Helper()

	header := make(map[string]headerEntry, len(tensors))

	var raw []byte

	for name, e := range tensors {
		start := len(raw)
		raw = append(raw, e.data...)
		header[name] = headerEntry{DType: e.dtype, Shape: e.shape, Offsets: [2]int{start, len(raw)}}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	out := make([]byte, 8, 8+len(headerJSON)+len(raw))
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)

	return append(out, raw...)
}

func float32Bytes(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}

	return out
}

func uint16Bytes(vals []uint16) []byte {
	out := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}

	return out
}

func TestStore_TensorByName_F32(t *testing.T) {
	blob := buildSafetensors(t, map[string]rawEntry{
		"alpha": {dtype: "F32", shape: []int64{2}, data: float32Bytes([]float32{1, 2})},
		"beta":  {dtype: "f32", shape: []int64{1, 3}, data: float32Bytes([]float32{3, 4, 5})},
	})

	store, err := OpenStoreFromBytes(blob)
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}
	defer store.Close()

	if names := store.Names(); strings.Join(names, "|") != "alpha|beta" {
		t.Fatalf("Names() = %v; want [alpha beta]", names)
	}

	if !store.Has("alpha") || store.Has("gamma") {
		t.Fatal("Has reports wrong membership")
	}

	beta, err := store.TensorWithShape("beta", []int64{1, 3})
	if err != nil {
		t.Fatalf("TensorWithShape(beta): %v", err)
	}

	if d := beta.Data(); len(d) != 3 || d[0] != 3 || d[2] != 5 {
		t.Fatalf("beta data = %v; want [3 4 5]", d)
	}

	if _, err := store.TensorWithShape("beta", []int64{3}); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestStore_DecodesHalfFormats(t *testing.T) {
	blob := buildSafetensors(t, map[string]rawEntry{
		"half":  {dtype: "F16", shape: []int64{3}, data: uint16Bytes([]uint16{0x3c00, 0xc000, 0x3800})},
		"bhalf": {dtype: "BF16", shape: []int64{3}, data: uint16Bytes([]uint16{0x3f80, 0xc000, 0x3f00})},
	})

	store, err := OpenStoreFromBytes(blob)
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}

	want := []float64{1, -2, 0.5}

	for _, name := range []string{"half", "bhalf"} {
		x, err := store.Tensor(name)
		if err != nil {
			t.Fatalf("Tensor(%s): %v", name, err)
		}

		for i, v := range x.Data() {
			if v != want[i] {
				t.Fatalf("%s[%d] = %v; want %v", name, i, v, want[i])
			}
		}
	}
}

func TestStore_MissingTensorListsAvailable(t *testing.T) {
	blob := buildSafetensors(t, map[string]rawEntry{
		"a": {dtype: "F32", shape: []int64{1}, data: float32Bytes([]float32{1})},
	})

	store, err := OpenStoreFromBytes(blob)
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}

	_, err = store.Tensor("b")
	if err == nil || !strings.Contains(err.Error(), "available: a") {
		t.Fatalf("err = %v; want not-found listing a", err)
	}
}

func TestOpenStoreFromBytes_Errors(t *testing.T) {
	tooBig := make([]byte, 8)
	binary.LittleEndian.PutUint64(tooBig, 1<<40)

	tests := []struct {
		name string
		blob []byte
		want string
	}{
		{"short", []byte{1, 2, 3}, "too short"},
		{"header length", tooBig, "exceeds file size"},
		{"bad dtype", buildSafetensors(t, map[string]rawEntry{
			"x": {dtype: "U8", shape: []int64{1}, data: []byte{1}},
		}), "unsupported dtype"},
		{"truncated data", buildSafetensors(t, map[string]rawEntry{
			"x": {dtype: "F32", shape: []int64{4}, data: float32Bytes([]float32{1})},
		}), "needs 16 bytes"},
		{"negative dim", buildSafetensors(t, map[string]rawEntry{
			"x": {dtype: "F32", shape: []int64{-1}, data: nil},
		}), "negative shape"},
		{"empty", buildSafetensors(t, map[string]rawEntry{}), "no tensors"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenStoreFromBytes(tt.blob)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v; want %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeNames(t *testing.T) {
	if got := summarizeNames(nil); got != "none" {
		t.Fatalf("summarizeNames(nil) = %q", got)
	}

	many := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}
	if got := summarizeNames(many); !strings.HasSuffix(got, ", ...") {
		t.Fatalf("summarizeNames(many) = %q", got)
	}
}
