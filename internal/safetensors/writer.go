package safetensors

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Named is a tensor with the key it is stored under.
type Named struct {
	Name   string
	Tensor *tensor.Tensor
}

// EncodeTensors serializes tensors in their own dtype, sorted by name.
// Metadata, when not empty, is stored under the "__metadata__" header key.
func EncodeTensors(tensors []Named, metadata map[string]string) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	sorted := slices.SortedFunc(slices.Values(tensors), func(a, b Named) int {
		return strings.Compare(a.Name, b.Name)
	})

	header := make(map[string]any, len(sorted)+1)

	var body []byte

	for _, nt := range sorted {
		name := strings.TrimSpace(nt.Name)

		switch _, dup := header[name]; {
		case name == "":
			return nil, errors.New("safetensors: tensor name must not be empty")
		case name == metadataKey:
			return nil, fmt.Errorf("safetensors: tensor name %q is reserved", name)
		case dup:
			return nil, fmt.Errorf("safetensors: duplicate tensor name %q", name)
		case nt.Tensor == nil:
			return nil, fmt.Errorf("safetensors: tensor %q is nil", name)
		}

		c, err := codecFor(nt.Tensor.DType())
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		lo := len(body)
		body = c.encode(body, nt.Tensor.RawData())

		header[name] = headerEntry{
			DType:   c.code,
			Shape:   append([]int64{}, nt.Tensor.Shape()...),
			Offsets: [2]int{lo, len(body)},
		}
	}

	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := le.AppendUint64(make([]byte, 0, 8+len(headerJSON)+len(body)), uint64(len(headerJSON)))
	out = append(out, headerJSON...)

	return append(out, body...), nil
}

// WriteFile writes tensors into a .safetensors file, creating parent
// directories.
func WriteFile(path string, tensors []Named, metadata map[string]string) error {
	data, err := EncodeTensors(tensors, metadata)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("safetensors: create dir: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	return nil
}
