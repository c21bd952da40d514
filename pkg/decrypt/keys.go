// Package decrypt implements segment decryption: CENC (AES-CTR) for fMP4
// media and AES-128-CBC for classic HLS segments.
package decrypt

import (
	"encoding/hex"
	"fmt"
	"strings"

	"streamrelay/pkg/errdefs"
)

// KeySet maps key IDs to raw AES keys. Key IDs are stored as lowercase hex
// without dashes so lookups survive the formatting differences between
// manifests and license responses.
type KeySet struct {
	keys  map[string][]byte
	order []string
}

// ParseKeySet parses "KID:KEY" pairs, comma-separated for multi-key content.
// Both sides are 32 hex characters; dashes in the KID are tolerated.
func ParseKeySet(clearKey string) (*KeySet, error) {
	ks := &KeySet{keys: make(map[string][]byte)}

	for _, pair := range strings.Split(clearKey, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("%w: expected KID:KEY, got %q", errdefs.ErrKeyResolution, pair)
		}
		if err := ks.Add(kv[0], kv[1]); err != nil {
			return nil, err
		}
	}

	if len(ks.keys) == 0 {
		return nil, fmt.Errorf("%w: no key pairs in %q", errdefs.ErrKeyResolution, clearKey)
	}
	return ks, nil
}

// ParseKeyParams builds a KeySet from parallel comma-separated key_id and
// key lists, the form the decrypt endpoint receives.
func ParseKeyParams(keyIDs, keys string) (*KeySet, error) {
	kids := strings.Split(keyIDs, ",")
	ks := strings.Split(keys, ",")
	if len(kids) != len(ks) {
		return nil, fmt.Errorf("%w: %d key IDs for %d keys", errdefs.ErrKeyResolution, len(kids), len(ks))
	}

	set := &KeySet{keys: make(map[string][]byte)}
	for i := range kids {
		if err := set.Add(kids[i], ks[i]); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Add registers a single hex KID/key pair.
func (ks *KeySet) Add(kid, key string) error {
	normalized := normalizeHex(kid)
	raw, err := hex.DecodeString(normalizeHex(key))
	if err != nil {
		return fmt.Errorf("%w: key %q is not valid hex", errdefs.ErrKeyResolution, key)
	}
	if len(raw) != 16 {
		return fmt.Errorf("%w: key must be 16 bytes, got %d", errdefs.ErrKeyResolution, len(raw))
	}
	if _, exists := ks.keys[normalized]; !exists {
		ks.order = append(ks.order, normalized)
	}
	ks.keys[normalized] = raw
	return nil
}

// Lookup returns the key for a KID, or nil when absent.
func (ks *KeySet) Lookup(kid string) []byte {
	return ks.keys[normalizeHex(kid)]
}

// Default returns a key for content that never states its KID: the single
// registered key, or for multi-key sets the key picked by track index.
func (ks *KeySet) Default(trackID int) []byte {
	if len(ks.order) == 0 {
		return nil
	}
	if len(ks.order) == 1 {
		return ks.keys[ks.order[0]]
	}
	idx := (trackID - 1) % len(ks.order)
	if idx < 0 {
		idx = 0
	}
	return ks.keys[ks.order[idx]]
}

// Len reports how many keys are registered.
func (ks *KeySet) Len() int {
	return len(ks.keys)
}

func normalizeHex(s string) string {
	return strings.ToLower(strings.NewReplacer("-", "", " ", "").Replace(s))
}
