package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"sort"

	"nostr-relaypool/internal/types"
)

// KeyDeps is everything a cached query result depends on.
type KeyDeps struct {
	Filter types.Filter
	// PredicateID names the validity predicate applied to the result, if any.
	PredicateID string
	Relays      []string
}

// CreateKey derives a fixed-length key from deps. Filter keys, set-valued
// filter fields and the relay set are sorted first, so the key depends
// only on what is asked and where.
func CreateKey(deps KeyDeps) (string, error) {
	filter, err := json.Marshal(canonicalFilter(deps.Filter))
	if err != nil {
		return "", err
	}

	relays := slices.Clone(deps.Relays)
	sort.Strings(relays)
	relays = slices.Compact(relays)

	data, err := json.Marshal(struct {
		Filter    json.RawMessage `json:"filter"`
		Predicate string          `json:"predicate"`
		Relays    []string        `json:"relays"`
	}{filter, deps.PredicateID, relays})
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

func canonicalFilter(f types.Filter) types.Filter {
	f.IDs = sortedStrings(f.IDs)
	f.Authors = sortedStrings(f.Authors)
	if len(f.Kinds) > 0 {
		f.Kinds = slices.Clone(f.Kinds)
		slices.Sort(f.Kinds)
		f.Kinds = slices.Compact(f.Kinds)
	}
	if len(f.Tags) > 0 {
		tags := make(map[string][]string, len(f.Tags))
		for k, v := range f.Tags {
			tags[k] = sortedStrings(v)
		}
		f.Tags = tags
	}
	return f
}

func sortedStrings(in []string) []string {
	if len(in) == 0 {
		return in
	}
	out := slices.Clone(in)
	sort.Strings(out)
	return slices.Compact(out)
}
