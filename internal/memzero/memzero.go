// Package memzero scrubs sensitive byte buffers (seeds, derived keys, the
// host-data block) before they are dropped, per the hard "zeroed on drop"
// requirement for in-memory secrets.
package memzero

import "runtime"

// Bytes overwrites data with zeros in place. Best-effort: the Go garbage
// collector may already have copied the backing array elsewhere, but this
// closes the common window where a secret lingers in a buffer the caller
// still holds a reference to.
func Bytes(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// Array24 zeros a fixed 24-byte array in place (host seeds).
func Array24(data *[24]byte) {
	if data == nil {
		return
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// Array32 zeros a fixed 32-byte array in place (X25519 secrets, host-data
// blocks).
func Array32(data *[32]byte) {
	if data == nil {
		return
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}
