package reference

import (
	"encoding/json"
	"fmt"
)

// Canonicalize renders a field map into the stable string fed to the
// reference signer. encoding/json writes map keys in lexicographic
// order, which is the entire canonicalization contract: callers supply
// pre-formatted scalar values (times already rendered as RFC3339 UTC)
// and this function pins the key ordering. Sign and verify must agree
// bit for bit, so the encoding here is frozen.
func Canonicalize(fields map[string]interface{}) (string, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}
	return string(raw), nil
}
