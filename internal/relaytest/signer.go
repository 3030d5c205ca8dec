// Package relaytest provides an in-process relay and an event signer for tests.
package relaytest

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/types"
)

// Signer holds a throwaway secp256k1 key used to produce valid events.
type Signer struct {
	priv   *btcec.PrivateKey
	PubKey string
}

// NewSigner generates a fresh key pair. It panics if the system RNG fails.
func NewSigner() *Signer {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		panic("relaytest: generate key: " + err.Error())
	}
	return &Signer{
		priv:   priv,
		PubKey: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

// Sign sets PubKey, ID and Sig on evt.
func (s *Signer) Sign(evt *types.Event) {
	evt.PubKey = s.PubKey
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	evt.ID = nostr.ComputeEventID(evt)

	idBytes, _ := hex.DecodeString(evt.ID)
	sig, err := schnorr.Sign(s.priv, idBytes)
	if err != nil {
		panic("relaytest: sign: " + err.Error())
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
}

// Event builds and signs an event.
func (s *Signer) Event(kind int, createdAt int64, content string, tags ...[]string) types.Event {
	evt := types.Event{
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	s.Sign(&evt)
	return evt
}
