package harness

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

var (
	// ErrNoReference means the eager stage did not store outputs for a case.
	ErrNoReference = errors.New("no reference outputs")
	// ErrStaleReference means the stored outputs were computed for a
	// different graph or seed.
	ErrStaleReference = errors.New("stale reference outputs")
)

// StoredTensor is the on-disk form of a tensor.
type StoredTensor struct {
	DType string    `cbor:"1,keyasint"`
	Shape []int64   `cbor:"2,keyasint"`
	Data  []float64 `cbor:"3,keyasint"`
}

// Reference holds the eager outputs of one case, keyed by what produced them.
type Reference struct {
	Case        string         `cbor:"1,keyasint"`
	Seed        uint64         `cbor:"2,keyasint"`
	Fingerprint string         `cbor:"3,keyasint"`
	Outputs     []StoredTensor `cbor:"4,keyasint"`
}

func storeTensor(t *tensor.Tensor) StoredTensor {
	return StoredTensor{DType: t.DType().String(), Shape: t.Shape(), Data: t.Data()}
}

func (s StoredTensor) Tensor() (*tensor.Tensor, error) {
	dt, err := tensor.ParseDType(s.DType)
	if err != nil {
		return nil, err
	}

	return tensor.New(s.Data, s.Shape, dt)
}

// NewReference captures outputs.
func NewReference(caseName string, seed uint64, fingerprint string, outputs []*tensor.Tensor) *Reference {
	ref := &Reference{Case: caseName, Seed: seed, Fingerprint: fingerprint}
	for _, t := range outputs {
		ref.Outputs = append(ref.Outputs, storeTensor(t))
	}

	return ref
}

// Tensors decodes the stored outputs.
func (r *Reference) Tensors() ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(r.Outputs))

	for i, s := range r.Outputs {
		t, err := s.Tensor()
		if err != nil {
			return nil, fmt.Errorf("reference %s output %d: %w", r.Case, i, err)
		}

		out[i] = t
	}

	return out, nil
}

// encMode is deterministic so identical outputs give identical files.
var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	return em
}()

// Store keeps references as CBOR files under a directory, one per case.
// Distinct cases write distinct files, so concurrent use is safe.
type Store struct {
	Dir string
}

func NewStore(workDir string) *Store {
	return &Store{Dir: filepath.Join(workDir, "refs")}
}

func (s *Store) path(caseName string) string {
	return filepath.Join(s.Dir, strings.ReplaceAll(caseName, "/", "__")+".cbor")
}

// Save writes ref atomically.
func (s *Store) Save(ref *Reference) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create reference dir: %w", err)
	}

	data, err := encMode.Marshal(ref)
	if err != nil {
		return fmt.Errorf("encode reference %s: %w", ref.Case, err)
	}

	p := s.path(ref.Case)

	tmp, err := os.CreateTemp(s.Dir, ".ref-*")
	if err != nil {
		return fmt.Errorf("write reference %s: %w", ref.Case, err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("write reference %s: %w", ref.Case, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write reference %s: %w", ref.Case, err)
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write reference %s: %w", ref.Case, err)
	}

	return nil
}

// Load reads the reference of caseName and checks it was produced for the
// same seed and graph fingerprint.
func (s *Store) Load(caseName string, seed uint64, fingerprint string) (*Reference, error) {
	data, err := os.ReadFile(s.path(caseName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", caseName, ErrNoReference)
		}

		return nil, fmt.Errorf("read reference %s: %w", caseName, err)
	}

	var ref Reference
	if err := cbor.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("decode reference %s: %w", caseName, err)
	}

	if ref.Case != caseName || ref.Seed != seed || ref.Fingerprint != fingerprint {
		return nil, fmt.Errorf("%s: %w (seed %d, graph %.12s)", caseName, ErrStaleReference, ref.Seed, ref.Fingerprint)
	}

	return &ref, nil
}

// Clear removes every stored reference.
func (s *Store) Clear() error {
	if err := os.RemoveAll(s.Dir); err != nil {
		return fmt.Errorf("clear references: %w", err)
	}

	return nil
}
