//go:build tinygo || wasm

package host

import "unsafe"

// Return codes of EmitToken.
const (
	Continue = 0
	Stop     = 1
	Failed   = 2
)

// Log forwards text to the host runtime via the imported host_log function.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

// EmitToken hands one piece of the reply to the host. Anything but Continue
// means the guest should return.
func EmitToken(token string) uint32 {
	if len(token) == 0 {
		return Continue
	}
	b := []byte(token)
	return emitToken(unsafe.Pointer(&b[0]), uint32(len(b)))
}

// ShouldStop reports whether the host aborted the generation.
func ShouldStop() bool {
	return shouldStop() != 0
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)

//go:wasmimport env emit_token
func emitToken(ptr unsafe.Pointer, length uint32) uint32

//go:wasmimport env should_stop
func shouldStop() uint32
