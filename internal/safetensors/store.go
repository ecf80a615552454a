// Package safetensors reads and writes tensors in the safetensors layout: an
// 8-byte little-endian header length, a JSON header of dtype, shape and data
// offsets per tensor, then the raw tensor bytes. Failing cases are dumped in
// this format so their inputs and outputs can be loaded by other tools.
package safetensors

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

const metadataKey = "__metadata__"

// headerEntry is one tensor's record in the JSON header. Offsets are
// relative to the end of the header.
type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

type slot struct {
	codec codec
	shape []int64
	elems int
	data  []byte
}

// Store is an opened safetensors file.
type Store struct {
	slots    map[string]slot
	names    []string
	metadata map[string]string
}

// OpenStore reads and indexes the file at path.
func OpenStore(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}

	return OpenStoreFromBytes(data)
}

// OpenStoreFromBytes indexes an in-memory file. The store keeps data.
func OpenStoreFromBytes(data []byte) (*Store, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}

	n := le.Uint64(data)
	if n > uint64(len(data)-8) {
		return nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", n, len(data))
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &header); err != nil {
		return nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	s := &Store{slots: make(map[string]slot, len(header))}
	body := data[8+n:]

	for _, name := range slices.Sorted(maps.Keys(header)) {
		if name == metadataKey {
			if err := json.Unmarshal(header[name], &s.metadata); err != nil {
				return nil, fmt.Errorf("safetensors: decode metadata: %w", err)
			}

			continue
		}

		var e headerEntry
		if err := json.Unmarshal(header[name], &e); err != nil {
			return nil, fmt.Errorf("safetensors: decode header entry %q: %w", name, err)
		}

		sl, err := e.locate(body)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		s.slots[name] = sl
		s.names = append(s.names, name)
	}

	if len(s.slots) == 0 {
		return nil, errors.New("safetensors: no tensors found")
	}

	return s, nil
}

// locate validates e against the data section and returns its slot.
func (e headerEntry) locate(body []byte) (slot, error) {
	c, err := codecByCode(e.DType)
	if err != nil {
		return slot{}, err
	}

	elems, err := elementCount(e.Shape)
	if err != nil {
		return slot{}, err
	}

	lo, hi := e.Offsets[0], e.Offsets[1]
	if lo < 0 || hi < lo || hi > len(body) {
		return slot{}, fmt.Errorf("data offsets %v outside data section of %d bytes", e.Offsets, len(body))
	}

	if need := elems * c.size; hi-lo < need {
		return slot{}, fmt.Errorf("needs %d bytes but data has %d", need, hi-lo)
	}

	return slot{codec: c, shape: slices.Clone(e.Shape), elems: elems, data: body[lo:hi]}, nil
}

// Names lists the stored tensors in sorted order.
func (s *Store) Names() []string { return slices.Clone(s.names) }

func (s *Store) Has(name string) bool {
	_, ok := s.slots[name]
	return ok
}

// Metadata returns a copy of the "__metadata__" header, nil when absent.
func (s *Store) Metadata() map[string]string { return maps.Clone(s.metadata) }

// Tensor decodes the named tensor in its stored dtype.
func (s *Store) Tensor(name string) (*tensor.Tensor, error) {
	sl, ok := s.slots[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (available: %s)", name, summarizeNames(s.names))
	}

	data, err := sl.codec.decode(sl.data, sl.elems)
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q decode: %w", name, err)
	}

	return tensor.New(data, sl.shape, sl.codec.dtype)
}

// TensorWithShape is Tensor plus a shape check.
func (s *Store) TensorWithShape(name string, wantShape []int64) (*tensor.Tensor, error) {
	t, err := s.Tensor(name)
	if err != nil {
		return nil, err
	}

	if !tensor.EqualShapes(t.Shape(), wantShape) {
		return nil, fmt.Errorf("safetensors: tensor %q shape %v does not match expected %v", name, t.Shape(), wantShape)
	}

	return t, nil
}

// ReadAll decodes every tensor.
func (s *Store) ReadAll() (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(s.names))

	for _, name := range s.names {
		t, err := s.Tensor(name)
		if err != nil {
			return nil, err
		}

		out[name] = t
	}

	return out, nil
}

// Close drops the file contents.
func (s *Store) Close() {
	*s = Store{}
}

func elementCount(shape []int64) (int, error) {
	total := 1

	for _, d := range shape {
		switch {
		case d < 0:
			return 0, fmt.Errorf("negative shape dimension in %v", shape)
		case d == 0:
			return 0, nil
		case int64(total) > math.MaxInt/d:
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= int(d)
	}

	return total, nil
}

func summarizeNames(names []string) string {
	const shown = 8

	switch {
	case len(names) == 0:
		return "none"
	case len(names) > shown:
		return strings.Join(names[:shown], ", ") + ", ..."
	default:
		return strings.Join(names, ", ")
	}
}
