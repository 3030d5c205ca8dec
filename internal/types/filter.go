package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidFilter = errors.New("types: invalid filter")

// Filter represents a Nostr subscription filter (NIP-01).
// A zero Limit means "no limit"; Since/Until are nil when absent.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   int
	Tags    map[string][]string // keyed by tag letter, without the '#'
	Search  string              // NIP-50 search query

	// Extensions holds provider-specific fields the client passes through
	// untouched (anything not listed above).
	Extensions map[string]json.RawMessage
}

// MarshalJSON encodes the filter as a NIP-01 JSON object. Keys come out in
// sorted order, so two equal filters always produce identical bytes.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 8+len(f.Tags)+len(f.Extensions))
	for k, v := range f.Extensions {
		m[k] = v
	}
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	if f.Search != "" {
		m["search"] = f.Search
	}
	for letter, values := range f.Tags {
		m["#"+letter] = values
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalJSON decodes a NIP-01 filter object.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}

	var out Filter
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &out.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &out.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &out.Kinds)
		case key == "since":
			out.Since = new(int64)
			err = json.Unmarshal(value, out.Since)
		case key == "until":
			out.Until = new(int64)
			err = json.Unmarshal(value, out.Until)
		case key == "limit":
			err = json.Unmarshal(value, &out.Limit)
		case key == "search":
			err = json.Unmarshal(value, &out.Search)
		case strings.HasPrefix(key, "#"):
			var values []string
			err = json.Unmarshal(value, &values)
			if out.Tags == nil {
				out.Tags = make(map[string][]string)
			}
			out.Tags[key[1:]] = values
		default:
			if out.Extensions == nil {
				out.Extensions = make(map[string]json.RawMessage)
			}
			out.Extensions[key] = value
		}
		if err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidFilter, key, err)
		}
	}

	*f = out
	return nil
}

// Validate checks the filter shape before it reaches the network.
func (f Filter) Validate() error {
	for _, id := range f.IDs {
		if !isHex64(id) {
			return fmt.Errorf("%w: id %q is not 64 lowercase hex chars", ErrInvalidFilter, id)
		}
	}
	for _, pk := range f.Authors {
		if !isHex64(pk) {
			return fmt.Errorf("%w: author %q is not 64 lowercase hex chars", ErrInvalidFilter, pk)
		}
	}
	for _, k := range f.Kinds {
		if k < 0 || k > 65535 {
			return fmt.Errorf("%w: kind %d out of range", ErrInvalidFilter, k)
		}
	}
	if f.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidFilter)
	}
	if f.Since != nil && f.Until != nil && *f.Since > *f.Until {
		return fmt.Errorf("%w: since is after until", ErrInvalidFilter)
	}
	for letter := range f.Tags {
		if len(letter) != 1 || !isLetter(letter[0]) {
			return fmt.Errorf("%w: tag key %q must be a single letter", ErrInvalidFilter, "#"+letter)
		}
	}
	return nil
}

// Matches reports whether evt satisfies the filter's local constraints.
// Search and provider extensions are relay-side concerns and are ignored.
func (f Filter) Matches(evt Event) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == evt.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for letter, values := range f.Tags {
		if len(values) > 0 && !evt.hasTagValue(letter, values) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
