package crypto

// secret is a byte buffer that holds key material or plaintext the
// caller must not let linger in memory after use. Wipe zeroes the
// buffer; callers defer it immediately after allocation, the same
// pattern this repository borrows from
// Chehabb2003-Project-Manger/internal/crypto/zero.go's Zero helper.
type secret []byte

// Wipe zeroes s in place. It is safe to call more than once and on a
// nil or already-wiped slice.
func (s secret) Wipe() {
	for i := range s {
		s[i] = 0
	}
}

// zero zeroes an arbitrary byte slice. Used by call sites in this
// package that hold sensitive bytes in a type other than secret (e.g. a fixed-size
// array taken by reference).
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
