package tensor

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Safetensors dtypes
const (
	DtypeF32  = "F32"
	DtypeF16  = "F16"
	DtypeBF16 = "BF16"
	DtypeI64  = "I64"
	DtypeI32  = "I32"
)

const metadataKey = "__metadata__"

// TensorInfo describes a tensor in safetensors format
type TensorInfo struct {
	Dtype  string   `json:"dtype"`
	Shape  []int    `json:"shape"`
	Offset [2]int64 `json:"data_offsets"`
}

func (info TensorInfo) numel() int {
	n := 1
	for _, d := range info.Shape {
		n *= d
	}
	return n
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case DtypeF32, DtypeI32:
		return 4, nil
	case DtypeF16, DtypeBF16:
		return 2, nil
	case DtypeI64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedDtype, dtype)
}

// SafetensorsFile is a parsed safetensors blob
type SafetensorsFile struct {
	Tensors  map[string]TensorInfo
	Metadata map[string]string
	data     []byte
}

// ReadSafetensors reads and parses a safetensors file
func ReadSafetensors(path string) (*SafetensorsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	f, err := ParseSafetensors(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return f, nil
}

// ParseSafetensors parses the header of data and validates every offset
func ParseSafetensors(data []byte) (*SafetensorsFile, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file too short for header")
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("header size %d exceeds file size %d", headerSize, len(data))
	}
	headerBytes := data[8 : 8+headerSize]
	tensorData := data[8+headerSize:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	f := &SafetensorsFile{Tensors: make(map[string]TensorInfo, len(raw)), data: tensorData}
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &f.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("failed to parse tensor %s: %w", name, err)
		}
		size, err := dtypeSize(info.Dtype)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		start, end := info.Offset[0], info.Offset[1]
		if start < 0 || end < start || end > int64(len(tensorData)) {
			return nil, fmt.Errorf("tensor %s: offsets [%d, %d) outside data of %d bytes", name, start, end, len(tensorData))
		}
		if end-start != int64(info.numel()*size) {
			return nil, fmt.Errorf("tensor %s: %d bytes for shape %v of %s", name, end-start, info.Shape, info.Dtype)
		}
		f.Tensors[name] = info
	}
	return f, nil
}

// Names returns the tensor names in sorted order
func (f *SafetensorsFile) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *SafetensorsFile) lookup(name string) (TensorInfo, []byte, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return TensorInfo{}, nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return info, f.data[info.Offset[0]:info.Offset[1]], nil
}

// Tensor decodes a float or integer tensor into float32
func (f *SafetensorsFile) Tensor(name string) (*Tensor, error) {
	info, raw, err := f.lookup(name)
	if err != nil {
		return nil, err
	}
	n := info.numel()
	data := make([]float32, n)

	switch info.Dtype {
	case DtypeF32:
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case DtypeF16:
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case DtypeBF16:
		data = bfloat16.DecodeFloat32(raw)
	case DtypeI64:
		for i := range data {
			data[i] = float32(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case DtypeI32:
		for i := range data {
			data[i] = float32(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDtype, info.Dtype)
	}

	return &Tensor{Data: data, Shape: append([]int(nil), info.Shape...)}, nil
}

// Int64s decodes an integer tensor without passing through float32
func (f *SafetensorsFile) Int64s(name string) ([]int64, []int, error) {
	info, raw, err := f.lookup(name)
	if err != nil {
		return nil, nil, err
	}
	out := make([]int64, info.numel())
	switch info.Dtype {
	case DtypeI64:
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case DtypeI32:
		for i := range out {
			out[i] = int64(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	default:
		return nil, nil, fmt.Errorf("%w: %s is %s, expected an integer dtype", ErrUnsupportedDtype, name, info.Dtype)
	}
	return out, append([]int(nil), info.Shape...), nil
}

// SafetensorsEntry is one encoded tensor ready to be written
type SafetensorsEntry struct {
	Dtype string
	Shape []int
	Data  []byte
}

// EncodeFloat32 encodes data as F32, F16 or BF16
func EncodeFloat32(data []float32, dtype string) ([]byte, error) {
	switch dtype {
	case DtypeF32:
		buf := make([]byte, 4*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		return buf, nil
	case DtypeF16:
		buf := make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
		}
		return buf, nil
	case DtypeBF16:
		return bfloat16.EncodeFloat32(data), nil
	}
	return nil, fmt.Errorf("%w: cannot encode floats as %s", ErrUnsupportedDtype, dtype)
}

// EncodeInt64 encodes data as little endian I64
func EncodeInt64(data []int64) []byte {
	buf := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	return buf
}

// MarshalSafetensors lays out entries sorted by name behind a JSON header
// padded with spaces to a multiple of 8 bytes.
func MarshalSafetensors(entries map[string]SafetensorsEntry, metadata map[string]string) ([]byte, error) {
	names := make([]string, 0, len(entries))
	for name := range entries {
		if name == metadataKey {
			return nil, fmt.Errorf("tensor name %q is reserved", metadataKey)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(entries)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, name := range names {
		e := entries[name]
		info := TensorInfo{Dtype: e.Dtype, Shape: e.Shape, Offset: [2]int64{offset, offset + int64(len(e.Data))}}
		size, err := dtypeSize(e.Dtype)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if len(e.Data) != info.numel()*size {
			return nil, fmt.Errorf("%w: tensor %s has %d bytes for shape %v", ErrShapeMismatch, name, len(e.Data), e.Shape)
		}
		if info.Shape == nil {
			info.Shape = []int{}
		}
		header[name] = info
		offset += int64(len(e.Data))
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	var buf bytes.Buffer
	buf.Grow(8 + len(headerBytes) + int(offset))
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(headerBytes)))
	buf.Write(size[:])
	buf.Write(headerBytes)
	for _, name := range names {
		buf.Write(entries[name].Data)
	}
	return buf.Bytes(), nil
}

// WriteSafetensorsEntries writes pre-encoded entries to path
func WriteSafetensorsEntries(path string, entries map[string]SafetensorsEntry, metadata map[string]string) error {
	data, err := MarshalSafetensors(entries, metadata)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// WriteSafetensors encodes float tensors as dtype and writes them to path
func WriteSafetensors(path string, tensors map[string]*Tensor, dtype string, metadata map[string]string) error {
	entries := make(map[string]SafetensorsEntry, len(tensors))
	for name, t := range tensors {
		data, err := EncodeFloat32(t.Data, dtype)
		if err != nil {
			return err
		}
		entries[name] = SafetensorsEntry{Dtype: dtype, Shape: t.Shape, Data: data}
	}
	return WriteSafetensorsEntries(path, entries, metadata)
}
