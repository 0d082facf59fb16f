package binprot

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestStatusErr(t *testing.T) {
	tests := []struct {
		status   Status
		sentinel error
	}{
		{StatusKeyNotFound, ErrKeyNotFound},
		{StatusKeyExists, ErrKeyExists},
		{StatusItemNotStored, ErrNotStored},
		{StatusNotSupported, ErrNotSupported},
		{StatusTemporaryFailure, ErrTemporaryFailure},
		{Status(0x00FE), ErrUnknownStatus},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := tt.status.Err()
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("Err() = %v, want wrapping %v", err, tt.sentinel)
			}
			if ShouldCloseConnection(err) {
				t.Error("status errors must keep the connection")
			}
		})
	}

	if err := StatusNoError.Err(); err != nil {
		t.Errorf("StatusNoError.Err() = %v", err)
	}
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		err      error
		expected Status
	}{
		{nil, StatusNoError},
		{ErrKeyNotFound, StatusKeyNotFound},
		{fmt.Errorf("store: %w", ErrKeyExists), StatusKeyExists},
		{StatusBusy.Err(), StatusBusy},
		{io.ErrUnexpectedEOF, StatusTemporaryFailure},
	}

	for _, tt := range tests {
		if got := StatusFromError(tt.err); got != tt.expected {
			t.Errorf("StatusFromError(%v) = %s, want %s", tt.err, got, tt.expected)
		}
	}
}

func TestShouldCloseConnection(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"status", &StatusError{Status: StatusKeyNotFound}, false},
		{"wrapped status", fmt.Errorf("get: %w", StatusKeyNotFound.Err()), false},
		{"connection", &ConnectionError{Op: "read", Err: io.EOF}, true},
		{"unsupported", &UnsupportedOperationError{Opcode: 0xFF}, true},
		{"malformed", &MalformedMessageError{Opcode: OpSet, Reason: "short"}, true},
		{"unknown", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldCloseConnection(tt.err); got != tt.expected {
				t.Errorf("ShouldCloseConnection() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestConnectionErrorUnwrap(t *testing.T) {
	err := &ConnectionError{Op: "write", Err: io.ErrClosedPipe}
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Error("ConnectionError does not unwrap")
	}
	if IsProtocolError(err) {
		t.Error("connection error reported as protocol error")
	}
}

func TestVBucketForKey(t *testing.T) {
	seen := map[uint16]bool{}
	for i := range 1000 {
		vb := VBucketForKey([]byte(fmt.Sprintf("key-%d", i)), 16)
		if vb >= 16 {
			t.Fatalf("vbucket %d out of range", vb)
		}
		seen[vb] = true
	}
	if len(seen) != 16 {
		t.Errorf("keys spread over %d of 16 vbuckets", len(seen))
	}

	if a, b := VBucketForKey([]byte("stable"), 0), VBucketForKey([]byte("stable"), DefaultVBuckets); a != b {
		t.Errorf("zero count does not default: %d != %d", a, b)
	}
}

func TestParseVBucketState(t *testing.T) {
	for _, s := range []VBucketState{VBucketActive, VBucketReplica, VBucketPending, VBucketDead} {
		got, err := ParseVBucketState(s.String())
		if err != nil || got != s {
			t.Errorf("ParseVBucketState(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseVBucketState("bogus"); err == nil {
		t.Error("expected error for unknown state")
	}
}
