package seed

import (
	"fmt"
	"strings"
)

// Minimal BIP-173 bech32 encoder/decoder. The only caller is the "age"
// recipient encoding of a 32-byte X25519 public key; a dependency is not
// worth pulling in for one fixed checksum algorithm.

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func bech32Polymod(values []int) int {
	generator := []int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := 1
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ v
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= generator[i]
			}
		}
	}
	return chk
}

func bech32HRPExpand(hrp string) []int {
	out := make([]int, 0, len(hrp)*2+1)
	for _, c := range hrp {
		out = append(out, int(c)>>5)
	}
	out = append(out, 0)
	for _, c := range hrp {
		out = append(out, int(c)&31)
	}
	return out
}

func bech32CreateChecksum(hrp string, data []int) []int {
	values := append(bech32HRPExpand(hrp), data...)
	values = append(values, 0, 0, 0, 0, 0, 0)
	mod := bech32Polymod(values) ^ 1
	checksum := make([]int, 6)
	for i := 0; i < 6; i++ {
		checksum[i] = (mod >> uint(5*(5-i))) & 31
	}
	return checksum
}

// convertBits regroups a byte slice of fromBits-sized groups into toBits-sized
// groups, padding the final group with zero bits when pad is true.
func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]int, bool) {
	acc := 0
	bits := uint(0)
	out := make([]int, 0, len(data)*int(fromBits)/int(toBits)+1)
	maxv := (1 << toBits) - 1
	for _, b := range data {
		acc = (acc << fromBits) | int(b)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, (acc>>bits)&maxv)
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, (acc<<(toBits-bits))&maxv)
		}
	} else if bits >= fromBits || ((acc<<(toBits-bits))&maxv) != 0 {
		return nil, false
	}
	return out, true
}

// Encode encodes data as bech32 with the given human-readable part, in
// lowercase, matching the "age" recipient format.
func Encode(hrp string, data []byte) (string, error) {
	values, ok := convertBits(data, 8, 5, true)
	if !ok {
		return "", errInvalidData
	}
	checksum := bech32CreateChecksum(hrp, values)
	combined := append(values, checksum...)

	var sb strings.Builder
	sb.WriteString(hrp)
	sb.WriteByte('1')
	for _, v := range combined {
		sb.WriteByte(charset[v])
	}
	return sb.String(), nil
}

func bech32VerifyChecksum(hrp string, data []int) bool {
	return bech32Polymod(append(bech32HRPExpand(hrp), data...)) == 1
}

// Decode parses a bech32 string, returning its human-readable part and
// payload bytes. The counterpart to Encode, needed so operator tooling
// can turn a node's printed "age1..." recipient back into raw key bytes
// before encrypting against it.
func Decode(s string) (string, []byte, error) {
	if len(s) < 8 || len(s) > 90 {
		return "", nil, fmt.Errorf("bech32: invalid length %d", len(s))
	}
	lower := strings.ToLower(s)
	if lower != s && strings.ToUpper(s) != s {
		return "", nil, fmt.Errorf("bech32: mixed case not allowed")
	}
	s = lower

	sep := strings.LastIndexByte(s, '1')
	if sep < 1 || sep+7 > len(s) {
		return "", nil, fmt.Errorf("bech32: separator '1' not found in expected position")
	}
	hrp := s[:sep]
	dataPart := s[sep+1:]

	values := make([]int, 0, len(dataPart))
	for _, c := range dataPart {
		idx := strings.IndexRune(charset, c)
		if idx < 0 {
			return "", nil, fmt.Errorf("bech32: invalid character %q", c)
		}
		values = append(values, idx)
	}
	if !bech32VerifyChecksum(hrp, values) {
		return "", nil, fmt.Errorf("bech32: invalid checksum")
	}

	payload := values[:len(values)-6]
	decoded, ok := convertBits(intsToBytes(payload), 5, 8, false)
	if !ok {
		return "", nil, fmt.Errorf("bech32: invalid padding in data section")
	}
	return hrp, intsToBytes(decoded), nil
}

func intsToBytes(values []int) []byte {
	out := make([]byte, len(values))
	for i, v := range values {
		out[i] = byte(v)
	}
	return out
}
