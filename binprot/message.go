package binprot

// Message is one of the concrete request or response types of this package.
//
// The set of implementations is closed: the unexported methods keep other
// packages from adding variants, so a type switch over the catalog types
// is exhaustive.
type Message interface {
	// Metadata returns the fields every message shares.
	Metadata() *Meta
	// IsRequest reports the direction of the message.
	IsRequest() bool

	vbucketOrStatus() uint16
	appendExtra(b []byte) []byte
	appendValue(b []byte) []byte
}

// Meta holds the fields shared by requests and responses.
type Meta struct {
	Opcode Opcode
	Key    []byte
	Opaque uint32
	CAS    uint64
}

// Metadata returns m.
func (m *Meta) Metadata() *Meta { return m }

// Request is embedded by every request type.
type Request struct {
	Meta
	VBucket uint16
}

func (r *Request) IsRequest() bool { return true }
func (r *Request) vbucketOrStatus() uint16 { return r.VBucket }
func (r *Request) appendExtra(b []byte) []byte { return b }
func (r *Request) appendValue(b []byte) []byte { return b }

// Response is embedded by every response type.
type Response struct {
	Meta
	Status Status
}

func (r *Response) IsRequest() bool { return false }
func (r *Response) vbucketOrStatus() uint16 { return uint16(r.Status) }
func (r *Response) appendExtra(b []byte) []byte { return b }
func (r *Response) appendValue(b []byte) []byte { return b }

// Err returns the error matching the response status, nil on success.
func (r *Response) Err() error { return r.Status.Err() }

// GetRequest is a GET or GETK request. It carries only the key.
type GetRequest struct {
	Request
}

// GetResponse answers GET and GETK. Key is set only for GETK.
// Flags are on the wire only when Status is StatusNoError.
type GetResponse struct {
	Response
	Flags uint32
	Value []byte
}

func (m *GetResponse) appendExtra(b []byte) []byte {
	if m.Status != StatusNoError {
		return b
	}
	return appendUint32(b, m.Flags)
}

func (m *GetResponse) appendValue(b []byte) []byte { return append(b, m.Value...) }

// StoreRequest is a SET, ADD or REPLACE request. A non-zero CAS makes the
// store conditional on the item's current version.
type StoreRequest struct {
	Request
	Flags  uint32
	Expiry uint32
	Value  []byte
}

func (m *StoreRequest) appendExtra(b []byte) []byte {
	b = appendUint32(b, m.Flags)
	return appendUint32(b, m.Expiry)
}

func (m *StoreRequest) appendValue(b []byte) []byte { return append(b, m.Value...) }

// StoreResponse carries the new CAS of the stored item.
type StoreResponse struct {
	Response
}

type DeleteRequest struct {
	Request
}

type DeleteResponse struct {
	Response
}

type QuitRequest struct {
	Request
}

type QuitResponse struct {
	Response
}

type VersionRequest struct {
	Request
}

// VersionResponse carries the server version as ASCII text in the value.
type VersionResponse struct {
	Response
	Version string
}

func (m *VersionResponse) appendValue(b []byte) []byte { return append(b, m.Version...) }

// SetVBucketRequest assigns State to the request's VBucket.
type SetVBucketRequest struct {
	Request
	State VBucketState
}

func (m *SetVBucketRequest) appendExtra(b []byte) []byte { return append(b, uint8(m.State)) }

type SetVBucketResponse struct {
	Response
}

// TapConnectRequest opens a tap stream. VBuckets are sent in order as
// big-endian 16-bit ids.
type TapConnectRequest struct {
	Request
	Flags    uint32
	VBuckets []uint16
}

func (m *TapConnectRequest) appendExtra(b []byte) []byte { return appendUint32(b, m.Flags) }

func (m *TapConnectRequest) appendValue(b []byte) []byte {
	for _, vb := range m.VBuckets {
		b = appendUint16(b, vb)
	}
	return b
}

// TapMutateRequest is a mutation pushed by the peer on a tap stream. It is
// never answered; Opaque is assigned by the peer.
//
// Extra layout: engine_len(2) | tap_flags(2) | ttl(1) | reserved(3) |
// flags(4) | expiry(4).
type TapMutateRequest struct {
	Request
	EngineSpecificLength uint16
	TapFlags             uint16
	TTL                  uint8
	Flags                uint32
	Expiry               uint32
	Value                []byte
}

func (m *TapMutateRequest) appendExtra(b []byte) []byte {
	b = appendUint16(b, m.EngineSpecificLength)
	b = appendUint16(b, m.TapFlags)
	b = append(b, m.TTL, 0, 0, 0)
	b = appendUint32(b, m.Flags)
	return appendUint32(b, m.Expiry)
}

func (m *TapMutateRequest) appendValue(b []byte) []byte { return append(b, m.Value...) }

// NewGetRequest builds a GET request.
func NewGetRequest(key string, vbucket uint16) *GetRequest {
	return &GetRequest{Request: newRequest(OpGet, key, vbucket)}
}

// NewGetKRequest builds a GETK request; the response echoes the key.
func NewGetKRequest(key string, vbucket uint16) *GetRequest {
	return &GetRequest{Request: newRequest(OpGetK, key, vbucket)}
}

// NewSetRequest builds an unconditional SET request.
func NewSetRequest(key string, vbucket uint16, value []byte, flags, expiry uint32) *StoreRequest {
	return newStoreRequest(OpSet, key, vbucket, value, flags, expiry, 0)
}

// NewAddRequest builds an ADD request, which fails if the key exists.
func NewAddRequest(key string, vbucket uint16, value []byte, flags, expiry uint32) *StoreRequest {
	return newStoreRequest(OpAdd, key, vbucket, value, flags, expiry, 0)
}

// NewReplaceRequest builds a REPLACE request. A non-zero cas must match the
// stored item.
func NewReplaceRequest(key string, vbucket uint16, value []byte, flags, expiry uint32, cas uint64) *StoreRequest {
	return newStoreRequest(OpReplace, key, vbucket, value, flags, expiry, cas)
}

func NewDeleteRequest(key string, vbucket uint16) *DeleteRequest {
	return &DeleteRequest{Request: newRequest(OpDelete, key, vbucket)}
}

func NewQuitRequest() *QuitRequest {
	return &QuitRequest{Request: newRequest(OpQuit, "", 0)}
}

func NewVersionRequest() *VersionRequest {
	return &VersionRequest{Request: newRequest(OpVersion, "", 0)}
}

func NewSetVBucketRequest(vbucket uint16, state VBucketState) *SetVBucketRequest {
	return &SetVBucketRequest{Request: newRequest(OpSetVBucket, "", vbucket), State: state}
}

// NewTapConnectRequest requests a dump of the given vbuckets, or of every
// vbucket when the list is empty.
func NewTapConnectRequest(vbuckets []uint16) *TapConnectRequest {
	flags := TapFlagDump
	if len(vbuckets) > 0 {
		flags |= TapFlagListVBuckets
	}
	return &TapConnectRequest{
		Request:  newRequest(OpTapConnect, "", 0),
		Flags:    flags,
		VBuckets: vbuckets,
	}
}

// NewResponseFor builds the response matching req with the given status,
// copying its opcode and opaque. It returns nil for operations that have no
// response in the catalog.
func NewResponseFor(req Message, status Status) Message {
	meta := req.Metadata()
	base := Response{Meta: Meta{Opcode: meta.Opcode, Opaque: meta.Opaque}, Status: status}

	switch req.(type) {
	case *GetRequest:
		return &GetResponse{Response: base}
	case *StoreRequest:
		return &StoreResponse{Response: base}
	case *DeleteRequest:
		return &DeleteResponse{Response: base}
	case *QuitRequest:
		return &QuitResponse{Response: base}
	case *VersionRequest:
		return &VersionResponse{Response: base}
	case *SetVBucketRequest:
		return &SetVBucketResponse{Response: base}
	}
	return nil
}

func newRequest(op Opcode, key string, vbucket uint16) Request {
	r := Request{Meta: Meta{Opcode: op}, VBucket: vbucket}
	if key != "" {
		r.Key = []byte(key)
	}
	return r
}

func newStoreRequest(op Opcode, key string, vbucket uint16, value []byte, flags, expiry uint32, cas uint64) *StoreRequest {
	req := &StoreRequest{
		Request: newRequest(op, key, vbucket),
		Flags:   flags,
		Expiry:  expiry,
		Value:   value,
	}
	req.CAS = cas
	return req
}
