package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	json "github.com/goccy/go-json"
)

// Ext is the file extension of safetensors containers.
const Ext = ".safetensors"

// Real headers are a few KB; anything near this is corrupt.
const maxHeaderSize = 256 << 20

var (
	ErrCorruptFile    = errors.New("safetensors: corrupt file")
	ErrTensorNotFound = errors.New("safetensors: tensor not found")
	ErrClosed         = errors.New("safetensors: file closed")
)

// TensorInfo describes one tensor. Start and End are absolute file offsets
// (End exclusive).
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

func (ti TensorInfo) Size() int64 { return ti.End - ti.Start }

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// File is an open safetensors container. Tensor payloads returned by
// ReadTensor alias the mapping when the file is mmapped and are only valid
// until Close.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	f    *os.File
	data []byte
}

// Open parses the header and maps the file read-only. If mmap is not
// available it falls back to ReadAt.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sf, err := parse(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return sf, nil
}

func parse(f *os.File, path string) (*File, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 {
		return nil, fmt.Errorf("%w: %s: too small (%d bytes)", ErrCorruptFile, path, size)
	}

	headerLen, err := readU64(f)
	if err != nil {
		return nil, fmt.Errorf("%s: read header length: %w", path, err)
	}
	if headerLen > maxHeaderSize || int64(headerLen) > size-8 {
		return nil, fmt.Errorf("%w: %s: header length %d exceeds file", ErrCorruptFile, path, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: parse header: %v", ErrCorruptFile, path, err)
	}

	var meta map[string]string
	if msg, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, fmt.Errorf("%w: %s: parse metadata: %v", ErrCorruptFile, path, err)
		}
		delete(raw, "__metadata__")
	}

	dataStart := int64(8 + headerLen)
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: %s: parse tensor %s: %v", ErrCorruptFile, path, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: %s: tensor %s: invalid data_offsets", ErrCorruptFile, path, name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > size-dataStart {
			return nil, fmt.Errorf("%w: %s: tensor %s: data range [%d,%d) out of bounds", ErrCorruptFile, path, name, start, end)
		}
		for _, d := range th.Shape {
			if d < 0 {
				return nil, fmt.Errorf("%w: %s: tensor %s: invalid dim %d", ErrCorruptFile, path, name, d)
			}
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: dataStart + start,
			End:   dataStart + end,
		}
	}

	sf := &File{
		Path:      path,
		DataStart: dataStart,
		Tensors:   tensors,
		Metadata:  meta,
		f:         f,
	}

	if size <= int64(int(^uint(0)>>1)) {
		if data, err := mmap(f, int(size)); err == nil {
			sf.data = data
		}
	}
	return sf, nil
}

// Mapped reports whether tensor reads are served from an mmap.
func (sf *File) Mapped() bool { return sf.data != nil }

func (sf *File) Close() error {
	if sf == nil || sf.f == nil {
		return nil
	}
	var err error
	if sf.data != nil {
		err = munmap(sf.data)
		sf.data = nil
	}
	if cerr := sf.f.Close(); err == nil {
		err = cerr
	}
	sf.f = nil
	return err
}

func (sf *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := sf.Tensors[name]
	return t, ok
}

// Names returns tensor names in sorted order.
func (sf *File) Names() []string {
	out := make([]string, 0, len(sf.Tensors))
	for name := range sf.Tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReadTensor returns the raw payload of name.
func (sf *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	if sf.f == nil {
		return nil, TensorInfo{}, ErrClosed
	}
	t, ok := sf.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if sf.data != nil {
		return sf.data[t.Start:t.End:t.End], t, nil
	}
	buf := make([]byte, t.Size())
	if _, err := sf.f.ReadAt(buf, t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// RawTensor is an encoded tensor to be written with WriteFile.
type RawTensor struct {
	DType string
	Shape []int
	Data  []byte
}

// WriteFile writes tensors to path in sorted name order. The header is
// padded with spaces to an 8-byte boundary.
func WriteFile(path string, tensors map[string]RawTensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var off int64
	for _, name := range names {
		t := tensors[name]
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[name] = tensorHeader{
			DType:       t.DType,
			Shape:       shape,
			DataOffsets: []int64{off, off + int64(len(t.Data))},
		}
		off += int64(len(t.Data))
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: marshal header: %w", err)
	}
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		_ = f.Close()
		return err
	}
	for _, name := range names {
		if _, err := f.Write(tensors[name].Data); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
