package xhci

import "encoding/binary"

// fakeMMIO is a plain byte-slice-backed MMIO, enough to exercise the
// typed register views in register.go without real hardware.
type fakeMMIO struct {
	data []byte
}

func newFakeMMIO(size int) *fakeMMIO { return &fakeMMIO{data: make([]byte, size)} }

func (m *fakeMMIO) ReadU32(offset uintptr) uint32 {
	return binary.LittleEndian.Uint32(m.data[offset : offset+4])
}

func (m *fakeMMIO) WriteU32(offset uintptr, value uint32) {
	binary.LittleEndian.PutUint32(m.data[offset:offset+4], value)
}

func (m *fakeMMIO) ReadU64(offset uintptr) uint64 {
	return binary.LittleEndian.Uint64(m.data[offset : offset+8])
}

func (m *fakeMMIO) WriteU64(offset uintptr, value uint64) {
	binary.LittleEndian.PutUint64(m.data[offset:offset+8], value)
}
