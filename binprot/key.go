package binprot

import (
	"errors"
	"fmt"
)

// MaxKeyLength is the longest key memcached stores.
const MaxKeyLength = 250

// ErrInvalidKey is returned for keys a server would reject or that do not
// fit the header.
var ErrInvalidKey = errors.New("binprot: invalid key")

// ValidateKey checks that key is non-empty, at most MaxKeyLength bytes and
// free of spaces and control characters.
func ValidateKey(key string) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: %d bytes, max %d", ErrInvalidKey, len(key), MaxKeyLength)
	}

	for i := 0; i < len(key); i++ {
		if b := key[i]; b <= ' ' || b == 0x7f {
			return fmt.Errorf("%w: byte 0x%02x at offset %d", ErrInvalidKey, b, i)
		}
	}
	return nil
}

// CheckLengths reports whether msg fits the header length fields. Messages
// that fail it cannot be encoded faithfully.
func CheckLengths(msg Message) error {
	meta := msg.Metadata()
	if len(meta.Key) > MaxKeyFieldLength {
		return fmt.Errorf("%w: %d bytes does not fit the key length field", ErrInvalidKey, len(meta.Key))
	}
	if n := EncodedLen(msg) - HeaderLen; uint64(n) > MaxBodyLength {
		return fmt.Errorf("%w: body of %d bytes", ErrValueTooLarge, n)
	}
	return nil
}
