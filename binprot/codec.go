package binprot

import "fmt"

// EncodedLen returns the number of bytes AppendMessage will produce for msg.
func EncodedLen(msg Message) int {
	meta := msg.Metadata()
	return HeaderLen + len(msg.appendExtra(nil)) + len(meta.Key) + len(msg.appendValue(nil))
}

// Encode returns the wire form of msg.
func Encode(msg Message) []byte {
	return AppendMessage(make([]byte, 0, EncodedLen(msg)), msg)
}

// AppendMessage appends the wire form of msg to b: header, extra, key, value.
// Lengths are not checked; see CheckLengths.
func AppendMessage(b []byte, msg Message) []byte {
	meta := msg.Metadata()

	// Reserve the header, fill it in once the body lengths are known.
	start := len(b)
	b = append(b, make([]byte, HeaderLen)...)

	b = msg.appendExtra(b)
	extraLen := len(b) - start - HeaderLen
	b = append(b, meta.Key...)
	b = msg.appendValue(b)

	magic := MagicResponse
	if msg.IsRequest() {
		magic = MagicRequest
	}

	h := Header{
		Magic:           magic,
		Opcode:          meta.Opcode,
		KeyLength:       uint16(len(meta.Key)),
		ExtraLength:     uint8(extraLen),
		DataType:        DataTypeRaw,
		VBucketOrStatus: msg.vbucketOrStatus(),
		BodyLength:      uint32(len(b) - start - HeaderLen),
		Opaque:          meta.Opaque,
		CAS:             meta.CAS,
	}
	h.AppendTo(b[start:start])

	return b
}

// FrameInfo describes a message whose header has been seen.
type FrameInfo struct {
	Request    bool
	Opcode     Opcode
	BodyLength uint32
}

// Len returns the full length of the message, header included.
func (f FrameInfo) Len() int {
	return HeaderLen + int(f.BodyLength)
}

// IsMessageComplete reports whether buf starts with a whole message. The
// FrameInfo is valid whenever at least HeaderLen bytes are present, even if
// the body is still incomplete. buf is never modified.
func IsMessageComplete(buf []byte) (FrameInfo, bool) {
	h, err := ParseHeader(buf)
	if err != nil {
		return FrameInfo{}, false
	}

	info := FrameInfo{Request: h.IsRequest(), Opcode: h.Opcode, BodyLength: h.BodyLength}
	return info, len(buf) >= info.Len()
}

// frame is a message split into its sections. The slices alias the input
// buffer.
type frame struct {
	header Header
	extra  []byte
	key    []byte
	value  []byte
}

// Decode reads one message from the front of buf and returns it with the
// number of bytes it occupied.
//
// Key and value bytes are copied, so the returned message stays valid after
// buf is reused. ErrIncompleteMessage means more bytes are needed.
func Decode(buf []byte) (Message, int, error) {
	f, n, err := splitFrame(buf)
	if err != nil {
		return nil, 0, err
	}

	msg, err := dispatch(f)
	if err != nil {
		return nil, 0, err
	}
	return msg, n, nil
}

func splitFrame(buf []byte) (frame, int, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return frame{}, 0, err
	}

	if int(h.ExtraLength)+int(h.KeyLength) > int(h.BodyLength) {
		return frame{}, 0, &MalformedMessageError{
			Opcode: h.Opcode,
			Reason: fmt.Sprintf("extra (%d) and key (%d) exceed body length %d", h.ExtraLength, h.KeyLength, h.BodyLength),
		}
	}

	total := HeaderLen + int(h.BodyLength)
	if len(buf) < total {
		return frame{}, 0, ErrIncompleteMessage
	}

	extraEnd := HeaderLen + int(h.ExtraLength)
	keyEnd := extraEnd + int(h.KeyLength)

	return frame{
		header: h,
		extra:  buf[HeaderLen:extraEnd],
		key:    buf[extraEnd:keyEnd],
		value:  buf[keyEnd:total],
	}, total, nil
}

func dispatch(f frame) (Message, error) {
	if f.header.IsRequest() {
		switch f.header.Opcode {
		case OpGet, OpGetK:
			return decodeGetRequest(f)
		case OpSet, OpAdd, OpReplace:
			return decodeStoreRequest(f)
		case OpDelete:
			return decodeDeleteRequest(f)
		case OpQuit:
			return decodeQuitRequest(f)
		case OpVersion:
			return decodeVersionRequest(f)
		case OpSetVBucket:
			return decodeSetVBucketRequest(f)
		case OpTapConnect:
			return decodeTapConnectRequest(f)
		case OpTapMutate:
			return decodeTapMutateRequest(f)
		}
		return nil, &UnsupportedOperationError{Opcode: f.header.Opcode}
	}

	switch f.header.Opcode {
	case OpGet, OpGetK:
		return decodeGetResponse(f)
	case OpSet, OpAdd, OpReplace:
		return decodeStoreResponse(f)
	case OpDelete:
		return decodeDeleteResponse(f)
	case OpQuit:
		return decodeQuitResponse(f)
	case OpVersion:
		return decodeVersionResponse(f)
	case OpSetVBucket:
		return decodeSetVBucketResponse(f)
	}
	return nil, &UnsupportedOperationError{Opcode: f.header.Opcode, Response: true}
}

func (f frame) request() Request {
	return Request{Meta: f.meta(), VBucket: f.header.VBucketOrStatus}
}

func (f frame) response() Response {
	return Response{Meta: f.meta(), Status: Status(f.header.VBucketOrStatus)}
}

func (f frame) meta() Meta {
	return Meta{
		Opcode: f.header.Opcode,
		Key:    cloneBytes(f.key),
		Opaque: f.header.Opaque,
		CAS:    f.header.CAS,
	}
}

func (f frame) malformed(format string, args ...any) error {
	return &MalformedMessageError{Opcode: f.header.Opcode, Reason: fmt.Sprintf(format, args...)}
}

func decodeGetRequest(f frame) (Message, error) {
	return &GetRequest{Request: f.request()}, nil
}

func decodeGetResponse(f frame) (Message, error) {
	m := &GetResponse{Response: f.response()}
	if m.Status == StatusNoError {
		if len(f.extra) < getResponseExtraLen {
			return nil, f.malformed("flags extra is %d bytes, want %d", len(f.extra), getResponseExtraLen)
		}
		m.Flags = readUint32(f.extra)
	}
	m.Value = cloneBytes(f.value)
	return m, nil
}

func decodeStoreRequest(f frame) (Message, error) {
	if len(f.extra) < storeExtraLen {
		return nil, f.malformed("store extra is %d bytes, want %d", len(f.extra), storeExtraLen)
	}
	return &StoreRequest{
		Request: f.request(),
		Flags:   readUint32(f.extra[0:4]),
		Expiry:  readUint32(f.extra[4:8]),
		Value:   cloneBytes(f.value),
	}, nil
}

func decodeStoreResponse(f frame) (Message, error) {
	return &StoreResponse{Response: f.response()}, nil
}

func decodeDeleteRequest(f frame) (Message, error) {
	return &DeleteRequest{Request: f.request()}, nil
}

func decodeDeleteResponse(f frame) (Message, error) {
	return &DeleteResponse{Response: f.response()}, nil
}

func decodeQuitRequest(f frame) (Message, error) {
	return &QuitRequest{Request: f.request()}, nil
}

func decodeQuitResponse(f frame) (Message, error) {
	return &QuitResponse{Response: f.response()}, nil
}

func decodeVersionRequest(f frame) (Message, error) {
	return &VersionRequest{Request: f.request()}, nil
}

func decodeVersionResponse(f frame) (Message, error) {
	return &VersionResponse{Response: f.response(), Version: string(f.value)}, nil
}

func decodeSetVBucketRequest(f frame) (Message, error) {
	m := &SetVBucketRequest{Request: f.request()}
	switch len(f.extra) {
	case setVBucketExtraLen:
		m.State = VBucketState(f.extra[0])
	case setVBucketWideExtraLen:
		// Some servers send the state as a 32-bit integer.
		m.State = VBucketState(readUint32(f.extra))
	default:
		return nil, f.malformed("vbucket state extra is %d bytes", len(f.extra))
	}
	return m, nil
}

func decodeSetVBucketResponse(f frame) (Message, error) {
	return &SetVBucketResponse{Response: f.response()}, nil
}

func decodeTapConnectRequest(f frame) (Message, error) {
	if len(f.value)%2 != 0 {
		return nil, f.malformed("vbucket list has odd length %d", len(f.value))
	}

	m := &TapConnectRequest{Request: f.request()}
	if len(f.extra) >= tapConnectExtraLen {
		m.Flags = readUint32(f.extra)
	}
	if len(f.value) > 0 {
		m.VBuckets = make([]uint16, 0, len(f.value)/2)
		for i := 0; i < len(f.value); i += 2 {
			m.VBuckets = append(m.VBuckets, readUint16(f.value[i:i+2]))
		}
	}
	return m, nil
}

func decodeTapMutateRequest(f frame) (Message, error) {
	m := &TapMutateRequest{Request: f.request(), Value: cloneBytes(f.value)}

	switch {
	case len(f.extra) >= tapMutateExtraLen:
		m.EngineSpecificLength = readUint16(f.extra[0:2])
		m.TapFlags = readUint16(f.extra[2:4])
		m.TTL = f.extra[4]
		m.Flags = readUint32(f.extra[8:12])
		m.Expiry = readUint32(f.extra[12:16])
	case len(f.extra) == tapMutateShortExtraLen:
		m.Flags = readUint32(f.extra[0:4])
		m.Expiry = readUint32(f.extra[4:8])
	default:
		return nil, f.malformed("tap mutate extra is %d bytes", len(f.extra))
	}
	return m, nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
