package safetensors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/samcharles93/heads/internal/tensor"
)

// WriteOptions controls the encoding of a safetensors file.
type WriteOptions struct {
	// DType is one of F32 (default), F16 or BF16.
	DType    string
	Metadata map[string]string
}

// Encode serialises tensors into the safetensors layout. Tensors are laid
// out in sorted name order and the header is padded to an 8-byte boundary,
// so equal inputs always encode to equal bytes.
func Encode(tensors map[string]*tensor.Tensor, opts WriteOptions) ([]byte, error) {
	dtype := opts.DType
	if dtype == "" {
		dtype = "F32"
	}
	elem, err := elemSize(dtype)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == "__metadata__" {
			return nil, fmt.Errorf("safetensors: reserved tensor name %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(opts.Metadata) > 0 {
		header["__metadata__"] = opts.Metadata
	}
	var offset int64
	for _, name := range names {
		t := tensors[name]
		if t == nil {
			return nil, fmt.Errorf("safetensors: nil tensor %q", name)
		}
		size := int64(len(t.Data) * elem)
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[name] = tensorHeader{
			DType:       dtype,
			Shape:       shape,
			DataOffsets: []int64{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	buf := make([]byte, 8, 8+len(headerBytes)+int(offset))
	binary.LittleEndian.PutUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	for _, name := range names {
		buf = appendData(buf, tensors[name].Data, dtype)
	}
	return buf, nil
}

// WriteFile encodes tensors and writes them to path, replacing any existing
// file atomically.
func WriteFile(path string, tensors map[string]*tensor.Tensor, opts WriteOptions) error {
	data, err := Encode(tensors, opts)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".safetensors-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func appendData(buf []byte, data []float32, dtype string) []byte {
	switch dtype {
	case "F16":
		for _, v := range data {
			buf = binary.LittleEndian.AppendUint16(buf, float16.Fromfloat32(v).Bits())
		}
	case "BF16":
		buf = append(buf, bfloat16.EncodeFloat32(data)...)
	default:
		for _, v := range data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return buf
}

func elemSize(dtype string) (int, error) {
	switch dtype {
	case "F32":
		return 4, nil
	case "F16", "BF16":
		return 2, nil
	default:
		return 0, fmt.Errorf("safetensors: unsupported write dtype %s", dtype)
	}
}
