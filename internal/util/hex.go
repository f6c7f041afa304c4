package util

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// HexToBytes converts a hex string to bytes
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to hex string with 0x prefix
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// HexToHash32 decodes a 32-byte hash from hex, with or without 0x prefix
func HexToHash32(s string) ([32]byte, error) {
	var out [32]byte
	if !ValidateHash(s) {
		return out, fmt.Errorf("expected 32 bytes of hex, got %d characters", len(strings.TrimPrefix(s, "0x")))
	}
	b, err := HexToBytes(s)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// HexToUint32 parses a 32-bit value written as 0x-prefixed or bare hex
func HexToUint32(s string) (uint32, error) {
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// HexToUint64 parses a 64-bit value written as 0x-prefixed or bare hex
func HexToUint64(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}

// Uint64ToHex converts uint64 to hex string with 0x prefix
func Uint64ToHex(n uint64) string {
	return fmt.Sprintf("0x%x", n)
}

// NonceToHex renders a nonce as 16 big-endian hex digits with 0x prefix
func NonceToHex(nonce uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], nonce)
	return BytesToHex(b[:])
}

// ValidateNonce validates nonce format (8 bytes / 16 hex chars)
func ValidateNonce(nonce string) bool {
	nonce = strings.TrimPrefix(nonce, "0x")
	if len(nonce) != 16 {
		return false
	}
	_, err := hex.DecodeString(nonce)
	return err == nil
}

// ValidateHash validates hash format (32 bytes / 64 hex chars)
func ValidateHash(hash string) bool {
	hash = strings.TrimPrefix(hash, "0x")
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func formatUint(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}
