package types

// CachedQuery is the serialized form of a finalized query result.
// Events are stored already merged, deduplicated and sorted.
type CachedQuery struct {
	Events    []Event             `json:"events"`
	Relays    []string            `json:"relays"`
	Seen      map[string][]string `json:"seen,omitempty"` // event id -> relays it arrived from
	FetchedAt int64               `json:"fetched_at"`
}
