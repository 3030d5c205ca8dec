package multirelay

import (
	"errors"

	"nostr-relaypool/internal/pool"
)

var ErrNoRelays = errors.New("multirelay: no relays")

type addressMode int

const (
	modeSingle addressMode = iota
	modeBatch
	modeAllConnected
)

// Addressing selects the relays an operation runs against.
type Addressing struct {
	mode addressMode
	urls []string
}

// Single targets exactly one relay.
func Single(url string) Addressing {
	return Addressing{mode: modeSingle, urls: []string{url}}
}

// Batch targets an explicit list of relays. Duplicates are ignored.
func Batch(urls ...string) Addressing {
	return Addressing{mode: modeBatch, urls: urls}
}

// AllConnected targets every relay the pool holds an open socket to at
// the moment the operation starts.
func AllConnected() Addressing {
	return Addressing{mode: modeAllConnected}
}

func (a Addressing) resolve(p *pool.Pool) ([]string, error) {
	var urls []string
	if a.mode == modeAllConnected {
		urls = p.Connected()
	} else {
		seen := make(map[string]bool, len(a.urls))
		for _, u := range a.urls {
			if u != "" && !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}
	return urls, nil
}
