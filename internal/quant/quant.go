package quant

import (
	"fmt"
	"math"
)

// Matrix is a row-major weight matrix stored as symmetric blockwise integers.
// Each row is split into blocks of BlockSize columns sharing one float32
// scale; 4-bit values are packed two per byte, low nibble first.
type Matrix struct {
	Rows, Cols int
	Bits       int
	BlockSize  int
	Scales     []float32
	Data       []byte
}

func (m *Matrix) blocksPerRow() int {
	return (m.Cols + m.BlockSize - 1) / m.BlockSize
}

func (m *Matrix) rowBytes() int {
	if m.Bits == 4 {
		return (m.Cols + 1) / 2
	}
	return m.Cols
}

// Bytes is the storage footprint of the quantized payload and scales.
func (m *Matrix) Bytes() int {
	return len(m.Data) + 4*len(m.Scales)
}

func maxLevel(bits int) float32 {
	return float32(int(1)<<(bits-1) - 1)
}

// Quantize converts a rows x cols float32 matrix to bits (4 or 8).
func Quantize(data []float32, rows, cols, bits, blockSize int) (*Matrix, error) {
	if bits != 4 && bits != 8 {
		return nil, fmt.Errorf("quant: unsupported width %d", bits)
	}
	if rows < 0 || cols < 0 || len(data) != rows*cols {
		return nil, fmt.Errorf("quant: data length %d does not match %dx%d", len(data), rows, cols)
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	m := &Matrix{Rows: rows, Cols: cols, Bits: bits, BlockSize: blockSize}
	bpr := m.blocksPerRow()
	m.Scales = make([]float32, rows*bpr)
	m.Data = make([]byte, rows*m.rowBytes())
	levels := maxLevel(bits)

	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		for b := 0; b < bpr; b++ {
			start := b * blockSize
			end := min(start+blockSize, cols)
			var amax float32
			for _, v := range row[start:end] {
				if a := float32(math.Abs(float64(v))); a > amax {
					amax = a
				}
			}
			scale := amax / levels
			m.Scales[r*bpr+b] = scale
			for c := start; c < end; c++ {
				var q int
				if scale != 0 {
					q = int(math.Round(float64(row[c] / scale)))
				}
				q = max(-int(levels), min(int(levels), q))
				m.set(r, c, q)
			}
		}
	}
	return m, nil
}

func (m *Matrix) set(r, c, q int) {
	off := r * m.rowBytes()
	if m.Bits == 8 {
		m.Data[off+c] = byte(int8(q))
		return
	}
	nib := byte(q+8) & 0x0f
	idx := off + c/2
	if c%2 == 0 {
		m.Data[idx] = (m.Data[idx] & 0xf0) | nib
	} else {
		m.Data[idx] = (m.Data[idx] & 0x0f) | nib<<4
	}
}

func (m *Matrix) get(r, c int) int {
	off := r * m.rowBytes()
	if m.Bits == 8 {
		return int(int8(m.Data[off+c]))
	}
	v := m.Data[off+c/2]
	if c%2 == 1 {
		v >>= 4
	}
	return int(v&0x0f) - 8
}

// RowTo decodes row i into dst, which must hold at least Cols values.
func (m *Matrix) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.Rows {
		panic("quant: row index out of range")
	}
	bpr := m.blocksPerRow()
	for c := 0; c < m.Cols; c++ {
		dst[c] = float32(m.get(i, c)) * m.Scales[i*bpr+c/m.BlockSize]
	}
}

// Dequantize expands the matrix back to float32.
func (m *Matrix) Dequantize() []float32 {
	out := make([]float32, m.Rows*m.Cols)
	for r := 0; r < m.Rows; r++ {
		m.RowTo(out[r*m.Cols:(r+1)*m.Cols], r)
	}
	return out
}
