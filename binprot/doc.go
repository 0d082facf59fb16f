// Package binprot implements the memcached binary protocol, including the
// TAP extension used to stream mutations out of a server.
//
// The package is pure: it turns messages into bytes and bytes into messages,
// and never touches a socket. Connection handling lives in package memtap.
//
// # Messages
//
// Every message is one of the concrete types of this package. Requests embed
// Request (which carries the vbucket), responses embed Response (which
// carries the status). The set is closed:
//
//	GET, GETK          GetRequest / GetResponse
//	SET, ADD, REPLACE  StoreRequest / StoreResponse
//	DELETE             DeleteRequest / DeleteResponse
//	QUIT               QuitRequest / QuitResponse
//	VERSION            VersionRequest / VersionResponse
//	SET_VBUCKET        SetVBucketRequest / SetVBucketResponse
//	TAP_CONNECT        TapConnectRequest
//	TAP_MUTATE         TapMutateRequest
//
// # Encoding
//
//	req := binprot.NewSetRequest("k", 0, []byte("v"), 0, 0)
//	buf := binprot.Encode(req)
//
// # Decoding
//
// Decode reads the message at the front of a buffer and reports how many
// bytes it used. IsMessageComplete tells, without decoding, whether a whole
// message is available:
//
//	if _, ok := binprot.IsMessageComplete(buf); ok {
//	    msg, n, err := binprot.Decode(buf)
//	    if err != nil {
//	        if binprot.ShouldCloseConnection(err) {
//	            conn.Close()
//	        }
//	        return err
//	    }
//	    buf = buf[n:]
//	    switch m := msg.(type) {
//	    case *binprot.GetResponse:
//	        ...
//	    }
//	}
//
// An operation without a catalog entry for its direction fails with
// *UnsupportedOperationError; there is no generic message type.
//
// # Byte order
//
// All header integers are big-endian. HostToNetwork and NetworkToHost
// convert between host and wire order for 8, 16, 32 and 64-bit values.
package binprot
