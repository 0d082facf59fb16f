package binprot

import (
	"encoding/binary"
	"math/bits"
)

// hostLittleEndian reports the byte order of the running machine.
var hostLittleEndian = func() bool {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], 0x0001)
	return b[0] == 0x01
}()

// HostToNetwork8 is the identity: single bytes have no byte order.
func HostToNetwork8(v uint8) uint8 { return v }

// NetworkToHost8 is the identity: single bytes have no byte order.
func NetworkToHost8(v uint8) uint8 { return v }

// HostToNetwork16 returns v laid out in big-endian order in host memory.
func HostToNetwork16(v uint16) uint16 {
	if !hostLittleEndian {
		return v
	}
	return bits.ReverseBytes16(v)
}

// NetworkToHost16 is the inverse of HostToNetwork16.
func NetworkToHost16(v uint16) uint16 { return HostToNetwork16(v) }

// HostToNetwork32 returns v laid out in big-endian order in host memory.
func HostToNetwork32(v uint32) uint32 {
	if !hostLittleEndian {
		return v
	}
	return bits.ReverseBytes32(v)
}

// NetworkToHost32 is the inverse of HostToNetwork32.
func NetworkToHost32(v uint32) uint32 { return HostToNetwork32(v) }

// HostToNetwork64 swaps the two 32-bit halves and converts each of them.
func HostToNetwork64(v uint64) uint64 {
	if !hostLittleEndian {
		return v
	}
	high := uint64(HostToNetwork32(uint32(v >> 32)))
	low := uint64(HostToNetwork32(uint32(v)))
	return low<<32 | high
}

// NetworkToHost64 is the inverse of HostToNetwork64.
func NetworkToHost64(v uint64) uint64 { return HostToNetwork64(v) }

// The helpers below move integers between host values and wire bytes. They
// store the network-ordered value in native memory order, which places the
// most significant byte first on every host.

func appendUint16(b []byte, v uint16) []byte {
	return binary.NativeEndian.AppendUint16(b, HostToNetwork16(v))
}

func appendUint32(b []byte, v uint32) []byte {
	return binary.NativeEndian.AppendUint32(b, HostToNetwork32(v))
}

func appendUint64(b []byte, v uint64) []byte {
	return binary.NativeEndian.AppendUint64(b, HostToNetwork64(v))
}

func readUint16(b []byte) uint16 {
	return NetworkToHost16(binary.NativeEndian.Uint16(b))
}

func readUint32(b []byte) uint32 {
	return NetworkToHost32(binary.NativeEndian.Uint32(b))
}

func readUint64(b []byte) uint64 {
	return NetworkToHost64(binary.NativeEndian.Uint64(b))
}
