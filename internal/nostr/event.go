package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-relaypool/internal/types"
)

var (
	ErrEventID        = errors.New("nostr: event id does not match its content")
	ErrEventSignature = errors.New("nostr: invalid event signature")
)

// ComputeEventID returns the NIP-01 id of evt: the SHA256 of
// [0, pubkey, created_at, kind, tags, content].
//
// HTML characters must stay unescaped; relays hash the raw JSON, and
// json.Marshal would turn < > & into \u003c style escapes.
func ComputeEventID(evt *types.Event) string {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	serialized := []interface{}{
		0,
		evt.PubKey,
		evt.CreatedAt,
		evt.Kind,
		tags,
		evt.Content,
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.Encode(serialized)

	hash := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(hash[:])
}

// ValidateEventSignature verifies Schnorr signature for a Nostr event
func ValidateEventSignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// CheckEvent verifies that evt is content-addressed correctly and signed by
// its pubkey.
func CheckEvent(evt *types.Event) error {
	if ComputeEventID(evt) != evt.ID {
		return fmt.Errorf("%w: %s", ErrEventID, ShortID(evt.ID))
	}
	if !ValidateEventSignature(evt) {
		return fmt.Errorf("%w: %s", ErrEventSignature, ShortID(evt.ID))
	}
	return nil
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
