package pluginutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// verifiableURIPrefix marks the current VerifiableURI encoding:
// 0x0000 ++ method (4 bytes) ++ data length (uint16) ++ data ++ url.
var verifiableURIPrefix = []byte{0x00, 0x00}

// VerifiableURI is a decoded LSP2 VerifiableURI value. An empty value
// decodes to an empty URL, meaning the key was cleared.
type VerifiableURI struct {
	URL    string
	Method string
	Data   string
}

// DecodeVerifiableURI decodes a VerifiableURI or the legacy JSONURL
// encoding (method ++ 32-byte hash ++ url).
func DecodeVerifiableURI(value []byte) (*VerifiableURI, error) {
	if len(value) == 0 {
		return &VerifiableURI{}, nil
	}
	var method, data, url []byte
	switch {
	case bytes.HasPrefix(value, verifiableURIPrefix):
		if len(value) < 8 {
			return nil, fmt.Errorf("verifiable uri: %d bytes is too short for the header", len(value))
		}
		n := int(binary.BigEndian.Uint16(value[6:8]))
		if len(value) < 8+n {
			return nil, fmt.Errorf("verifiable uri: verification data of %d bytes exceeds the value", n)
		}
		method, data, url = value[2:6], value[8:8+n], value[8+n:]
	case len(value) >= 36:
		method, data, url = value[0:4], value[4:36], value[36:]
	default:
		return nil, fmt.Errorf("verifiable uri: unrecognized encoding of %d bytes", len(value))
	}
	if !utf8.Valid(url) {
		return nil, fmt.Errorf("verifiable uri: url is not valid utf-8")
	}
	return &VerifiableURI{URL: string(url), Method: Hex(method), Data: Hex(data)}, nil
}
