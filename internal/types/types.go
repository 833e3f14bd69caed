// Package types defines the identifiers and word encodings shared by the
// subleq engine, its stores and its transport.
//
// Programs are ordered sequences of signed 64-bit words. A program is
// identified by the BLAKE3 digest of its little-endian word encoding, and
// that identifier is rendered in base58 wherever it is shown to humans.
package types

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// Size constants for core types.
const (
	ProgramIDSize = 32
	WordSize      = 8
)

var (
	// ErrInvalidProgramID is returned when a program ID has invalid length.
	ErrInvalidProgramID = errors.New("invalid program id: must be 32 bytes")

	// ErrInvalidWords is returned when a word encoding is not a multiple of WordSize.
	ErrInvalidWords = errors.New("invalid word encoding: length must be a multiple of 8")
)

// ProgramID is the content address of a program image.
type ProgramID [ProgramIDSize]byte

// NewProgramID hashes a program image.
func NewProgramID(program []int64) ProgramID {
	return ProgramID(blake3.Sum256(EncodeWords(program)))
}

// ProgramIDFromBase58 parses a base58-encoded program ID.
func ProgramIDFromBase58(s string) (ProgramID, error) {
	var id ProgramID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	return ProgramIDFromBytes(data)
}

// ProgramIDFromBytes creates a ProgramID from a byte slice.
func ProgramIDFromBytes(b []byte) (ProgramID, error) {
	var id ProgramID
	if len(b) != ProgramIDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ProgramID) String() string {
	return base58.Encode(id[:])
}

// IsZero returns true if the ID is all zeros.
func (id ProgramID) IsZero() bool {
	return id == ProgramID{}
}

// Bytes returns the ID as a byte slice.
func (id ProgramID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ProgramID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ProgramID) UnmarshalText(text []byte) error {
	parsed, err := ProgramIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// EncodeWords serializes words as consecutive little-endian int64 values.
func EncodeWords(words []int64) []byte {
	buf := make([]byte, len(words)*WordSize)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*WordSize:], uint64(w))
	}
	return buf
}

// AppendWords appends the encoding of words to dst.
func AppendWords(dst []byte, words []int64) []byte {
	for _, w := range words {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(w))
	}
	return dst
}

// DecodeWords is the inverse of EncodeWords.
func DecodeWords(data []byte) ([]int64, error) {
	if len(data)%WordSize != 0 {
		return nil, ErrInvalidWords
	}
	words := make([]int64, len(data)/WordSize)
	for i := range words {
		words[i] = int64(binary.LittleEndian.Uint64(data[i*WordSize:]))
	}
	return words, nil
}
