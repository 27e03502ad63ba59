package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// GenesisHash is the previous_hash of the first link in every chain.
var GenesisHash = strings.Repeat("0", 64)

// Canonicalize renders v as compact JSON with object keys sorted at every
// depth. Numbers keep their original text.
func Canonicalize(v any) ([]byte, error) {
	raw, err := marshalPlain(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	// encoding/json writes map keys in sorted order.
	return marshalPlain(generic)
}

// CanonicalizeText re-renders stored JSON text in canonical form.
func CanonicalizeText(text string) ([]byte, error) {
	return Canonicalize(json.RawMessage(text))
}

// Hash returns the lowercase hex sha256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func marshalPlain(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
