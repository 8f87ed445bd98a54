// Package safetensors reads and writes the safetensors weight format used for
// backbone checkpoints, adapter weights and standalone head files.
package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/heads/internal/tensor"
)

// Upper bound on the JSON header; real headers are a few KB.
const maxHeaderSize = 256 << 20

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an open safetensors file. The payload is memory mapped when the
// platform allows it and read into memory otherwise.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	data    []byte
	mmapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < 8 {
		return nil, fmt.Errorf("safetensors: file too small: %s", path)
	}
	if size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("safetensors: file too large: %s", path)
	}

	sf := &File{Path: path}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		sf.data = data
		sf.mmapped = true
	} else {
		buf := make([]byte, size)
		if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
			return nil, err
		}
		sf.data = buf
	}
	if err := sf.parseHeader(); err != nil {
		_ = sf.Close()
		return nil, fmt.Errorf("safetensors: %s: %w", path, err)
	}
	return sf, nil
}

func (f *File) parseHeader() error {
	headerLen := binary.LittleEndian.Uint64(f.data[:8])
	if headerLen > maxHeaderSize || int64(headerLen) > int64(len(f.data))-8 {
		return fmt.Errorf("invalid header length %d", headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(f.data[8:8+headerLen], &raw); err != nil {
		return err
	}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &f.Metadata); err != nil {
			return fmt.Errorf("parse metadata: %w", err)
		}
		delete(raw, "__metadata__")
	}

	f.DataStart = int64(8 + headerLen)
	payload := int64(len(f.data)) - f.DataStart
	f.Tensors = make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		if th.DataOffsets[0] < 0 || th.DataOffsets[1] < th.DataOffsets[0] || th.DataOffsets[1] > payload {
			return fmt.Errorf("tensor %s: offsets out of range", name)
		}
		f.Tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return nil
}

// Close releases the mapping. The File must not be used afterwards.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	return err
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadTensor returns the raw payload bytes of a tensor. The slice aliases the
// mapping and is only valid until Close.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if f.data == nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: file closed", name)
	}
	return f.data[f.DataStart+t.Start : f.DataStart+t.End], t, nil
}

func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	switch info.DType {
	case "F32":
		if len(raw) != n*4 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid f32 data size", name)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, info, nil
	case "BF16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid bf16 data size", name)
		}
		return bfloat16.DecodeFloat32(raw), info, nil
	case "F16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid f16 data size", name)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, info, nil
	default:
		return nil, TensorInfo{}, fmt.Errorf("unsupported dtype %s", info.DType)
	}
}

// Load decodes a tensor into a float32 tensor with the stored shape.
func (f *File) Load(name string) (*tensor.Tensor, error) {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	return tensor.FromSlice(data, info.Shape...)
}

// LoadAll decodes every tensor in the file.
func (f *File) LoadAll() (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(f.Tensors))
	for _, name := range f.Names() {
		t, err := f.Load(name)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

// ReadFile opens path, decodes all tensors and closes it again.
func ReadFile(path string) (map[string]*tensor.Tensor, map[string]string, error) {
	f, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()
	tensors, err := f.LoadAll()
	if err != nil {
		return nil, nil, err
	}
	return tensors, f.Metadata, nil
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d != 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}
