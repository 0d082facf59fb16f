package binprot

import "fmt"

// Opcode identifies a binary protocol operation.
type Opcode uint8

// Status is the result code carried by responses in the vbucket/status slot.
type Status uint16

// VBucketState is the state assigned to a vbucket by SET_VBUCKET.
type VBucketState uint8

// Magic bytes
const (
	MagicRequest  uint8 = 0x80
	MagicResponse uint8 = 0x81
)

// HeaderLen is the size of the fixed header preceding every message body.
const HeaderLen = 24

// Data type byte. Only raw bytes are produced; other values pass through.
const DataTypeRaw uint8 = 0x00

// Operation codes
const (
	OpGet        Opcode = 0x00
	OpSet        Opcode = 0x01
	OpAdd        Opcode = 0x02
	OpReplace    Opcode = 0x03
	OpDelete     Opcode = 0x04
	OpQuit       Opcode = 0x07
	OpVersion    Opcode = 0x0b
	OpGetK       Opcode = 0x0c
	OpSetVBucket Opcode = 0x3d
	OpTapConnect Opcode = 0x40
	OpTapMutate  Opcode = 0x41
)

var opcodeNames = map[Opcode]string{
	OpGet:        "GET",
	OpSet:        "SET",
	OpAdd:        "ADD",
	OpReplace:    "REPLACE",
	OpDelete:     "DELETE",
	OpQuit:       "QUIT",
	OpVersion:    "VERSION",
	OpGetK:       "GETK",
	OpSetVBucket: "SET_VBUCKET",
	OpTapConnect: "TAP_CONNECT",
	OpTapMutate:  "TAP_MUTATE",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint8(o))
}

// Result codes
const (
	StatusNoError                   Status = 0x0000
	StatusKeyNotFound               Status = 0x0001
	StatusKeyExists                 Status = 0x0002
	StatusValueTooLarge             Status = 0x0003
	StatusInvalidArguments          Status = 0x0004
	StatusItemNotStored             Status = 0x0005
	StatusIncrDecrOnNonNumericValue Status = 0x0006
	StatusWrongServerForVBucket     Status = 0x0007
	StatusAuthError                 Status = 0x0008
	StatusAuthContinue              Status = 0x0009
	StatusUnknownCommand            Status = 0x0081
	StatusOutOfMemory               Status = 0x0082
	StatusNotSupported              Status = 0x0083
	StatusInternalError             Status = 0x0084
	StatusBusy                      Status = 0x0085
	StatusTemporaryFailure          Status = 0x0086
)

var statusNames = map[Status]string{
	StatusNoError:                   "NO_ERROR",
	StatusKeyNotFound:               "KEY_NOT_FOUND",
	StatusKeyExists:                 "KEY_EXISTS",
	StatusValueTooLarge:             "VALUE_TOO_LARGE",
	StatusInvalidArguments:          "INVALID_ARGUMENTS",
	StatusItemNotStored:             "ITEM_NOT_STORED",
	StatusIncrDecrOnNonNumericValue: "INCR_DECR_ON_NON_NUMERIC_VALUE",
	StatusWrongServerForVBucket:     "WRONG_SERVER_FOR_VBUCKET",
	StatusAuthError:                 "AUTH_ERROR",
	StatusAuthContinue:              "AUTH_CONTINUE",
	StatusUnknownCommand:            "UNKNOWN_COMMAND",
	StatusOutOfMemory:               "OUT_OF_MEMORY",
	StatusNotSupported:              "NOT_SUPPORTED",
	StatusInternalError:             "INTERNAL_ERROR",
	StatusBusy:                      "BUSY",
	StatusTemporaryFailure:          "TEMPORARY_FAILURE",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(s))
}

// VBucket states
const (
	VBucketActive  VBucketState = 0x01
	VBucketReplica VBucketState = 0x02
	VBucketPending VBucketState = 0x03
	VBucketDead    VBucketState = 0x04
)

func (s VBucketState) String() string {
	switch s {
	case VBucketActive:
		return "active"
	case VBucketReplica:
		return "replica"
	case VBucketPending:
		return "pending"
	case VBucketDead:
		return "dead"
	}
	return fmt.Sprintf("0x%02x", uint8(s))
}

// ParseVBucketState converts a state name (active, replica, pending, dead).
func ParseVBucketState(name string) (VBucketState, error) {
	for _, s := range []VBucketState{VBucketActive, VBucketReplica, VBucketPending, VBucketDead} {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("binprot: unknown vbucket state %q", name)
}

// TAP_CONNECT flags carried in the request extra.
const (
	TapFlagBackfill     uint32 = 0x01
	TapFlagDump         uint32 = 0x02
	TapFlagListVBuckets uint32 = 0x04
)

// Fixed extra lengths.
const (
	storeExtraLen          = 8
	getResponseExtraLen    = 4
	tapConnectExtraLen     = 4
	tapMutateExtraLen      = 16
	tapMutateShortExtraLen = 8
	setVBucketExtraLen     = 1
	setVBucketWideExtraLen = 4
)

// Protocol limits implied by the header field widths.
const (
	MaxKeyFieldLength = 1<<16 - 1
	MaxExtraLength    = 1<<8 - 1
	MaxBodyLength     = 1<<32 - 1
)
