package artifact

import (
	"bufio"
	"compress/flate"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strings"
)

const (
	sigLocalHeader    = 0x04034b50
	sigCentralDir     = 0x02014b50
	sigEndOfCentral   = 0x06054b50
	sigZip64End       = 0x06064b50
	sigDataDescriptor = 0x08074b50

	methodStore   = 0
	methodDeflate = 8

	flagDataDescriptor = 0x8
	zip64ExtraID       = 0x0001
	uint32max          = 0xffffffff
)

var (
	errFormat      = errors.New("zip: not a valid archive")
	errUnsupported = errors.New("zip: unsupported entry")
	errChecksum    = errors.New("zip: checksum error")
)

type zipEntry struct {
	Name             string
	Method           uint16
	flags            uint16
	crc32            uint32
	compressedSize   uint64
	uncompressedSize uint64
	zip64            bool
}

func (e *zipEntry) IsDir() bool {
	return strings.HasSuffix(e.Name, "/")
}

// zipStream reads a zip archive front to back from local file headers,
// without the central directory. Like archive/tar, Next advances to an entry
// and Read returns its decompressed bytes.
type zipStream struct {
	r   *bufio.Reader
	cur *entryReader
	eof bool
}

func newZipStream(r io.Reader) *zipStream {
	return &zipStream{r: bufio.NewReaderSize(r, 32<<10)}
}

// Next drains whatever is left of the current entry and reads the next local
// header. It returns io.EOF once the central directory is reached.
func (z *zipStream) Next() (*zipEntry, error) {
	if z.eof {
		return nil, io.EOF
	}
	if z.cur != nil {
		if _, err := io.Copy(io.Discard, z.cur); err != nil {
			return nil, err
		}
		z.cur = nil
	}

	var sig [4]byte
	if _, err := io.ReadFull(z.r, sig[:]); err != nil {
		if errors.Is(err, io.EOF) {
			z.eof = true
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", errFormat, err)
	}
	switch binary.LittleEndian.Uint32(sig[:]) {
	case sigLocalHeader:
	case sigCentralDir, sigEndOfCentral, sigZip64End:
		z.eof = true
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("%w: unexpected signature %#08x", errFormat, binary.LittleEndian.Uint32(sig[:]))
	}

	var hdr [26]byte
	if _, err := io.ReadFull(z.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: short local header", errFormat)
	}
	le := binary.LittleEndian
	e := &zipEntry{
		flags:            le.Uint16(hdr[2:]),
		Method:           le.Uint16(hdr[4:]),
		crc32:            le.Uint32(hdr[10:]),
		compressedSize:   uint64(le.Uint32(hdr[14:])),
		uncompressedSize: uint64(le.Uint32(hdr[18:])),
	}
	nameLen, extraLen := int(le.Uint16(hdr[22:])), int(le.Uint16(hdr[24:]))
	buf := make([]byte, nameLen+extraLen)
	if _, err := io.ReadFull(z.r, buf); err != nil {
		return nil, fmt.Errorf("%w: short name", errFormat)
	}
	e.Name = string(buf[:nameLen])
	e.readZip64Extra(buf[nameLen:])

	var body io.Reader
	switch e.Method {
	case methodStore:
		if e.flags&flagDataDescriptor != 0 && e.compressedSize == 0 && !e.IsDir() {
			return nil, fmt.Errorf("%w: stored entry %q without size", errUnsupported, e.Name)
		}
		body = io.LimitReader(z.r, int64(e.compressedSize))
	case methodDeflate:
		// bufio.Reader is an io.ByteReader, so flate stops exactly at the end
		// of the compressed stream.
		body = flate.NewReader(z.r)
	default:
		return nil, fmt.Errorf("%w: method %d for %q", errUnsupported, e.Method, e.Name)
	}
	z.cur = &entryReader{z: z, entry: e, body: body, hash: crc32.NewIEEE()}
	return e, nil
}

// Read reads from the current entry.
func (z *zipStream) Read(p []byte) (int, error) {
	if z.cur == nil {
		return 0, io.EOF
	}
	return z.cur.Read(p)
}

func (e *zipEntry) readZip64Extra(extra []byte) {
	le := binary.LittleEndian
	for len(extra) >= 4 {
		id, size := le.Uint16(extra), int(le.Uint16(extra[2:]))
		extra = extra[4:]
		if size > len(extra) {
			return
		}
		field := extra[:size]
		extra = extra[size:]
		if id != zip64ExtraID {
			continue
		}
		e.zip64 = true
		if e.uncompressedSize == uint32max && len(field) >= 8 {
			e.uncompressedSize = le.Uint64(field)
			field = field[8:]
		}
		if e.compressedSize == uint32max && len(field) >= 8 {
			e.compressedSize = le.Uint64(field)
		}
	}
}

type entryReader struct {
	z       *zipStream
	entry   *zipEntry
	body    io.Reader
	hash    hash.Hash32
	n       uint64
	done    bool
	doneErr error
}

func (r *entryReader) Read(p []byte) (int, error) {
	if r.done {
		if r.doneErr != nil {
			return 0, r.doneErr
		}
		return 0, io.EOF
	}
	n, err := r.body.Read(p)
	r.hash.Write(p[:n])
	r.n += uint64(n)
	if err == io.EOF {
		r.done = true
		r.doneErr = r.finish()
		if r.doneErr != nil {
			return n, r.doneErr
		}
		return n, io.EOF
	}
	if err != nil {
		r.done = true
		r.doneErr = fmt.Errorf("%w: %s: %v", errFormat, r.entry.Name, err)
		return n, r.doneErr
	}
	return n, nil
}

// finish consumes the data descriptor, if any, and verifies size and CRC.
func (r *entryReader) finish() error {
	e := r.entry
	if c, ok := r.body.(io.Closer); ok {
		_ = c.Close()
	}
	if e.flags&flagDataDescriptor != 0 {
		if peek, err := r.z.r.Peek(4); err == nil && binary.LittleEndian.Uint32(peek) == sigDataDescriptor {
			_, _ = r.z.r.Discard(4)
		}
		size := 12
		if e.zip64 {
			size = 20
		}
		desc := make([]byte, size)
		if _, err := io.ReadFull(r.z.r, desc); err != nil {
			return fmt.Errorf("%w: short data descriptor for %q", errFormat, e.Name)
		}
		le := binary.LittleEndian
		e.crc32 = le.Uint32(desc)
		if e.zip64 {
			e.compressedSize = le.Uint64(desc[4:])
			e.uncompressedSize = le.Uint64(desc[12:])
		} else {
			e.compressedSize = uint64(le.Uint32(desc[4:]))
			e.uncompressedSize = uint64(le.Uint32(desc[8:]))
		}
	}
	if r.n != e.uncompressedSize {
		return fmt.Errorf("%w: %q size %d, header says %d", errFormat, e.Name, r.n, e.uncompressedSize)
	}
	if r.hash.Sum32() != e.crc32 {
		return fmt.Errorf("%w: %q", errChecksum, e.Name)
	}
	return nil
}
