package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var ErrBech32 = errors.New("nostr: invalid bech32 string")

// bech32Decode splits a bech32 string into its HRP and 5-bit data,
// checksum verified and removed.
func bech32Decode(bech string) (string, []byte, error) {
	if len(bech) < 8 || len(bech) > 90 {
		return "", nil, fmt.Errorf("%w: bad length", ErrBech32)
	}
	if strings.ToLower(bech) != bech && strings.ToUpper(bech) != bech {
		return "", nil, fmt.Errorf("%w: mixed case", ErrBech32)
	}
	bech = strings.ToLower(bech)

	pos := strings.LastIndexByte(bech, '1')
	if pos < 1 || pos+7 > len(bech) {
		return "", nil, fmt.Errorf("%w: separator position", ErrBech32)
	}

	hrp := bech[:pos]
	values := make([]byte, 0, len(bech)-pos-1)
	for _, c := range bech[pos+1:] {
		idx := strings.IndexRune(bech32Charset, c)
		if idx == -1 {
			return "", nil, fmt.Errorf("%w: character %q", ErrBech32, c)
		}
		values = append(values, byte(idx))
	}

	if bech32Polymod(append(bech32HrpExpand(hrp), toInts(values)...)) != 1 {
		return "", nil, fmt.Errorf("%w: checksum", ErrBech32)
	}
	return hrp, values[:len(values)-6], nil
}

func bech32Encode(hrp string, data []byte) string {
	combined := append(append([]byte{}, data...), bech32Checksum(hrp, data)...)

	var sb strings.Builder
	sb.WriteString(hrp)
	sb.WriteByte('1')
	for _, v := range combined {
		sb.WriteByte(bech32Charset[v])
	}
	return sb.String()
}

// convertBits regroups data from fromBits-wide to toBits-wide values.
func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	acc, bits := 0, uint(0)
	maxv := (1 << toBits) - 1
	var out []byte

	for _, value := range data {
		acc = acc<<fromBits | int(value)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte(acc>>bits&maxv))
		}
	}

	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(toBits-bits)&maxv))
		}
	} else if bits >= fromBits || acc<<(toBits-bits)&maxv != 0 {
		return nil, fmt.Errorf("%w: padding", ErrBech32)
	}
	return out, nil
}

func bech32Polymod(values []int) int {
	gen := [5]int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := 1
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ v
		for i := 0; i < 5; i++ {
			if (top>>i)&1 != 0 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func bech32HrpExpand(hrp string) []int {
	out := make([]int, 0, len(hrp)*2+1)
	for _, c := range hrp {
		out = append(out, int(c>>5))
	}
	out = append(out, 0)
	for _, c := range hrp {
		out = append(out, int(c&31))
	}
	return out
}

func bech32Checksum(hrp string, data []byte) []byte {
	values := append(bech32HrpExpand(hrp), toInts(data)...)
	values = append(values, 0, 0, 0, 0, 0, 0)
	polymod := bech32Polymod(values) ^ 1

	checksum := make([]byte, 6)
	for i := range checksum {
		checksum[i] = byte(polymod >> (5 * (5 - i)) & 31)
	}
	return checksum
}

func toInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

// EncodePubkey encodes a hex pubkey as an npub.
func EncodePubkey(hexPubkey string) (string, error) {
	raw, err := hex.DecodeString(hexPubkey)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("%w: pubkey must be 32 bytes of hex", ErrBech32)
	}
	data, err := convertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode("npub", data), nil
}

// DecodePubkey turns an npub back into its hex pubkey.
func DecodePubkey(npub string) (string, error) {
	hrp, data, err := bech32Decode(npub)
	if err != nil {
		return "", err
	}
	if hrp != "npub" {
		return "", fmt.Errorf("%w: expected npub, got %s", ErrBech32, hrp)
	}
	raw, err := convertBits(data, 5, 8, false)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("%w: pubkey is %d bytes", ErrBech32, len(raw))
	}
	return hex.EncodeToString(raw), nil
}

// ResolvePubkey accepts a pubkey as hex or npub and returns lowercase hex.
// Anything else is returned unchanged for filter validation to reject.
func ResolvePubkey(s string) string {
	if strings.HasPrefix(s, "npub1") {
		if pk, err := DecodePubkey(s); err == nil {
			return pk
		}
	}
	return strings.ToLower(s)
}
