package types

// PublishResult is the outcome of publishing one event to one relay.
type PublishResult struct {
	RelayURL  string `json:"relay"`
	IsSuccess bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
}

// RelayStats is the per-relay bookkeeping kept by the connection pool.
type RelayStats struct {
	URL       string `json:"url"`
	Attempted uint64 `json:"attempted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Online    bool   `json:"online"`
}
