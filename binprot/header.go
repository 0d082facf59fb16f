package binprot

// Header is the fixed 24-byte envelope shared by every message.
//
// Wire layout (all integers big-endian):
//
//	magic(1) | opcode(1) | key_len(2) | extra_len(1) | data_type(1) |
//	vbucket_or_status(2) | body_len(4) | opaque(4) | cas(8)
type Header struct {
	Magic           uint8
	Opcode          Opcode
	KeyLength       uint16
	ExtraLength     uint8
	DataType        uint8
	VBucketOrStatus uint16 // vbucket on requests, status on responses
	BodyLength      uint32 // extra + key + value
	Opaque          uint32
	CAS             uint64
}

// IsRequest reports whether the magic byte marks a request.
// Anything other than the request magic is framed as a response.
func (h Header) IsRequest() bool {
	return h.Magic == MagicRequest
}

// ValueLength returns the length of the value section implied by the header.
// It is negative when the key and extra do not fit in the body.
func (h Header) ValueLength() int {
	return int(h.BodyLength) - int(h.ExtraLength) - int(h.KeyLength)
}

// AppendTo appends the wire form of the header to b.
func (h Header) AppendTo(b []byte) []byte {
	b = append(b, HostToNetwork8(h.Magic), HostToNetwork8(uint8(h.Opcode)))
	b = appendUint16(b, h.KeyLength)
	b = append(b, HostToNetwork8(h.ExtraLength), HostToNetwork8(h.DataType))
	b = appendUint16(b, h.VBucketOrStatus)
	b = appendUint32(b, h.BodyLength)
	b = appendUint32(b, h.Opaque)
	b = appendUint64(b, h.CAS)
	return b
}

// ParseHeader reads a header from the front of b.
// It returns ErrIncompleteMessage when fewer than HeaderLen bytes are available.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrIncompleteMessage
	}

	return Header{
		Magic:           NetworkToHost8(b[0]),
		Opcode:          Opcode(NetworkToHost8(b[1])),
		KeyLength:       readUint16(b[2:4]),
		ExtraLength:     NetworkToHost8(b[4]),
		DataType:        NetworkToHost8(b[5]),
		VBucketOrStatus: readUint16(b[6:8]),
		BodyLength:      readUint32(b[8:12]),
		Opaque:          readUint32(b[12:16]),
		CAS:             readUint64(b[16:24]),
	}, nil
}
