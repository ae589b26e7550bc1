// Package d2p implements the D2P archive codec: a seek-indexed bundle
// format used for incremental archive patching. Layout is big-endian
// throughout:
//
//	Header (2B)      major=2, minor=1
//	Data             concatenated file bodies
//	Indexes          repeated {UTF name, dataOffset i32, size i32}
//	Properties       repeated {UTF key, UTF value}
//	Trailer (24B)    dataOffset, dataCount, indexOffset, indexCount,
//	                 propertiesOffset, propertiesCount (six i32)
//
// UTF strings are a 2-byte (i16 BE) length prefix followed by UTF-8
// bytes, mirroring the JVM "modified UTF-8" convention the original
// launcher used for this format.
package d2p

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	majorVersion = 2
	minorVersion = 1

	trailerSize = 24
)

var (
	// ErrWrongVersion is returned when the header major/minor does not
	// match the 2.1 format this codec understands.
	ErrWrongVersion = errors.New("d2p: wrong version")
	// ErrNotFound is returned when the archive cannot be read at all.
	ErrNotFound = errors.New("d2p: archive not found")
)

// Property is one free-form key/value pair stored in the archive.
type Property struct {
	Key   string
	Value string
}

// Meta is the archive's index and property table, without file
// contents, useful for computing an inner diff without materializing
// every member.
type Meta struct {
	Properties []Property
	Files      []string
}

// Archive is a fully extracted D2P bundle.
type Archive struct {
	Files map[string][]byte
	Meta  Meta
}

type indexRecord struct {
	name       string
	dataOffset int32
	size       int32
}

// Extract reads and fully decodes the archive at path.
func Extract(path string) (*Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return extractBytes(data)
}

func extractBytes(data []byte) (*Archive, error) {
	if len(data) < 2+trailerSize {
		return nil, fmt.Errorf("%w: truncated archive", ErrNotFound)
	}

	major, minor := data[0], data[1]
	if major != majorVersion || minor != minorVersion {
		return nil, fmt.Errorf("%w: got %d.%d", ErrWrongVersion, major, minor)
	}

	trailer := data[len(data)-trailerSize:]
	tr := bytes.NewReader(trailer)
	var dataOffset, dataCount, indexOffset, indexCount, propertiesOffset, propertiesCount int32
	for _, field := range []*int32{&dataOffset, &dataCount, &indexOffset, &indexCount, &propertiesOffset, &propertiesCount} {
		if err := binary.Read(tr, binary.BigEndian, field); err != nil {
			return nil, fmt.Errorf("%w: bad trailer: %v", ErrNotFound, err)
		}
	}

	body := data[2 : len(data)-trailerSize]

	indexSection := body[indexOffset:propertiesOffset]
	records, err := readIndexes(indexSection, int(indexCount))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	propsSection := body[propertiesOffset:]
	props, err := readProperties(propsSection, int(propertiesCount))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	dataSection := body[dataOffset : dataOffset+int32(dataCount)]

	files := make(map[string][]byte, len(records))
	names := make([]string, 0, len(records))
	for _, rec := range records {
		end := int(rec.dataOffset) + int(rec.size)
		if rec.dataOffset < 0 || end > len(dataSection) {
			return nil, fmt.Errorf("%w: index out of bounds for %q", ErrNotFound, rec.name)
		}
		buf := make([]byte, rec.size)
		copy(buf, dataSection[rec.dataOffset:end])
		files[rec.name] = buf
		names = append(names, rec.name)
	}

	return &Archive{
		Files: files,
		Meta:  Meta{Properties: props, Files: names},
	}, nil
}

func readUTF(r *bytes.Reader) (string, error) {
	var n int16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("negative UTF length")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeUTF(w io.Writer, s string) error {
	if len(s) > 1<<15-1 {
		return fmt.Errorf("d2p: string too long for UTF encoding")
	}
	if err := binary.Write(w, binary.BigEndian, int16(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readIndexes(section []byte, count int) ([]indexRecord, error) {
	r := bytes.NewReader(section)
	records := make([]indexRecord, 0, count)
	for i := 0; i < count; i++ {
		name, err := readUTF(r)
		if err != nil {
			return nil, err
		}
		var offset, size int32
		if err := binary.Read(r, binary.BigEndian, &offset); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return nil, err
		}
		records = append(records, indexRecord{name: name, dataOffset: offset, size: size})
	}
	return records, nil
}

func readProperties(section []byte, count int) ([]Property, error) {
	r := bytes.NewReader(section)
	props := make([]Property, 0, count)
	for i := 0; i < count; i++ {
		key, err := readUTF(r)
		if err != nil {
			return nil, err
		}
		val, err := readUTF(r)
		if err != nil {
			return nil, err
		}
		props = append(props, Property{Key: key, Value: val})
	}
	return props, nil
}

// Build writes a new archive to path. entries maps member name to its
// bytes; order of iteration determines on-disk index order, so callers
// that care about a stable round trip should pass entries via
// BuildOrdered instead.
func Build(path string, entries map[string][]byte, meta Meta) error {
	order := meta.Files
	if len(order) == 0 {
		order = make([]string, 0, len(entries))
		for name := range entries {
			order = append(order, name)
		}
	}
	return BuildOrdered(path, order, entries, meta.Properties)
}

// BuildOrdered writes a new archive, materializing file bodies first
// (in `order`), then indexes, then properties, then the trailer — in
// that order, matching how Extract reads them back. Data offsets in
// each index record are file-offset relative to the start of the data
// section, recomputed fresh at build time.
func BuildOrdered(path string, order []string, entries map[string][]byte, props []Property) error {
	var dataBuf bytes.Buffer
	records := make([]indexRecord, 0, len(order))

	for _, name := range order {
		body, ok := entries[name]
		if !ok {
			return fmt.Errorf("d2p: build: missing body for %q", name)
		}
		records = append(records, indexRecord{
			name:       name,
			dataOffset: int32(dataBuf.Len()),
			size:       int32(len(body)),
		})
		dataBuf.Write(body)
	}

	var indexBuf bytes.Buffer
	for _, rec := range records {
		if err := writeUTF(&indexBuf, rec.name); err != nil {
			return err
		}
		if err := binary.Write(&indexBuf, binary.BigEndian, rec.dataOffset); err != nil {
			return err
		}
		if err := binary.Write(&indexBuf, binary.BigEndian, rec.size); err != nil {
			return err
		}
	}

	var propsBuf bytes.Buffer
	for _, p := range props {
		if err := writeUTF(&propsBuf, p.Key); err != nil {
			return err
		}
		if err := writeUTF(&propsBuf, p.Value); err != nil {
			return err
		}
	}

	dataOffset := int32(0)
	dataCount := int32(dataBuf.Len())
	indexOffset := dataCount
	indexCount := int32(len(records))
	propertiesOffset := indexOffset + int32(indexBuf.Len())
	propertiesCount := int32(len(props))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write([]byte{majorVersion, minorVersion}); err != nil {
		return err
	}
	if _, err := f.Write(dataBuf.Bytes()); err != nil {
		return err
	}
	if _, err := f.Write(indexBuf.Bytes()); err != nil {
		return err
	}
	if _, err := f.Write(propsBuf.Bytes()); err != nil {
		return err
	}

	for _, field := range []int32{dataOffset, dataCount, indexOffset, indexCount, propertiesOffset, propertiesCount} {
		if err := binary.Write(f, binary.BigEndian, field); err != nil {
			return err
		}
	}
	return nil
}
