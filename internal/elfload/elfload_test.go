package elfload

import (
	"encoding/binary"
	"testing"
)

// memFile is an in-memory File implementation for tests.
type memFile struct{ b []byte }

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.b[off:])
	return n, nil
}

func buildMinimalELF(entry uint64, segs []ProgramHeader, segData [][]byte) *memFile {
	const phOff = ehdrSize
	body := make([]byte, 0, 4096)
	hdr := make([]byte, ehdrSize)
	hdr[0], hdr[1], hdr[2], hdr[3] = elfMagic0, elfMagic1, elfMagic2, elfMagic3
	hdr[4] = classELF64
	hdr[5] = dataLSB
	binary.LittleEndian.PutUint16(hdr[16:18], typeExec)
	binary.LittleEndian.PutUint16(hdr[18:20], machineX86_64)
	binary.LittleEndian.PutUint64(hdr[24:32], entry)
	binary.LittleEndian.PutUint64(hdr[32:40], uint64(phOff))
	binary.LittleEndian.PutUint16(hdr[54:56], phdrSize)
	binary.LittleEndian.PutUint16(hdr[56:58], uint16(len(segs)))
	body = append(body, hdr...)

	dataOff := phOff + len(segs)*phdrSize
	for i, s := range segs {
		s.Offset = uint64(dataOff)
		segs[i] = s
	}
	phBytes := make([]byte, len(segs)*phdrSize)
	for i, s := range segs {
		off := i * phdrSize
		binary.LittleEndian.PutUint32(phBytes[off:off+4], s.Type)
		binary.LittleEndian.PutUint32(phBytes[off+4:off+8], s.Flags)
		binary.LittleEndian.PutUint64(phBytes[off+8:off+16], s.Offset)
		binary.LittleEndian.PutUint64(phBytes[off+16:off+24], s.VAddr)
		binary.LittleEndian.PutUint64(phBytes[off+40:off+48], s.MemSz)
		binary.LittleEndian.PutUint64(phBytes[off+32:off+40], s.FileSz)
	}
	body = append(body, phBytes...)
	for _, d := range segData {
		body = append(body, d...)
	}
	return &memFile{b: body}
}

func TestProbeAcceptsValidHeader(t *testing.T) {
	f := buildMinimalELF(0x400000, []ProgramHeader{{Type: ptLoad, Flags: pfX, VAddr: 0x400000, MemSz: 0x1000, FileSz: 4}}, [][]byte{{1, 2, 3, 4}})
	if !Probe(f) {
		t.Fatal("expected Probe to accept a well-formed ELF64 x86-64 header")
	}
}

func TestProbeRejectsBadMagic(t *testing.T) {
	f := &memFile{b: make([]byte, ehdrSize)}
	if Probe(f) {
		t.Fatal("expected Probe to reject an all-zero header")
	}
}

func TestBuildAuxOrderAndValues(t *testing.T) {
	img := &Image{Entry: 0x401000, LoadBase: 0x400000}
	buf := make([]byte, 8*auxEntrySize)
	n, err := BuildAux(img, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 8*auxEntrySize {
		t.Fatalf("n = %d, want %d", n, 8*auxEntrySize)
	}
	readPair := func(i int) (uint64, uint64) {
		off := i * auxEntrySize
		return binary.LittleEndian.Uint64(buf[off : off+8]), binary.LittleEndian.Uint64(buf[off+8 : off+16])
	}
	if typ, val := readPair(0); typ != atPhdr || val != 0 {
		t.Fatalf("AT_PHDR = (%d,%d), want (%d,0)", typ, val, atPhdr)
	}
	if typ, val := readPair(4); typ != atBase || val != uint64(img.LoadBase) {
		t.Fatalf("AT_BASE = (%d,%d), want (%d,%d)", typ, val, atBase, img.LoadBase)
	}
	if typ, val := readPair(7); typ != atNull || val != 0 {
		t.Fatalf("last entry = (%d,%d), want AT_NULL", typ, val)
	}
}

func TestBuildAuxTooSmallBuffer(t *testing.T) {
	img := &Image{}
	if _, err := BuildAux(img, make([]byte, 4)); err == nil {
		t.Fatal("expected error for undersized buffer")
	}
}
