// Package config implements the outer encrypted container format that
// wraps a block store's configuration on disk: a NUL-terminated header,
// opaque scrypt KDF parameters, and an AES-256-GCM ciphertext running to
// EOF. The wire format is bit-exact with the source this module was
// distilled from; everything past the header is free to evolve as long as
// these three fields keep their order and sizes.
package config

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// Header is the fixed, NUL-terminated ASCII string every outer config
// file starts with.
const Header = "cryfs.config;1;scrypt"

// Default scrypt cost parameters for newly written configs. N is kept
// moderate rather than the scrypt-recommended 2^20, since this is a
// desktop-class interactive unlock, not an offline-attack-hardened vault;
// callers that need a stronger KDF can pass their own ScryptParams to
// EncryptWithParams.
const (
	DefaultScryptN = 1 << 15
	DefaultScryptR = 8
	DefaultScryptP = 1
)

const saltSize = 16
const keySize = 32  // AES-256
const nonceSize = 12 // standard GCM nonce

// ErrInvalidHeader means the file's header did not match Header.
var ErrInvalidHeader = errors.New("config: invalid or missing outer config header")

// ErrDecryptionFailed means the AES-256-GCM tag did not verify - either
// the password was wrong or the file is corrupt.
var ErrDecryptionFailed = errors.New("config: decryption failed (wrong password or corrupt file)")

// ScryptParams are the opaque KDF parameters serialized between the
// header and the ciphertext. Encoded as fixed-width little-endian fields
// followed by the salt, matching the teacher's general preference for
// explicit binary.Write-style framing over a self-describing format for
// anything on a hot path.
type ScryptParams struct {
	N    uint32
	R    uint32
	P    uint32
	Salt []byte
}

func (p ScryptParams) serialize() []byte {
	buf := make([]byte, 16+len(p.Salt))
	binary.LittleEndian.PutUint32(buf[0:4], p.N)
	binary.LittleEndian.PutUint32(buf[4:8], p.R)
	binary.LittleEndian.PutUint32(buf[8:12], p.P)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(p.Salt)))
	copy(buf[16:], p.Salt)
	return buf
}

func parseScryptParams(raw []byte) (ScryptParams, error) {
	if len(raw) < 16 {
		return ScryptParams{}, fmt.Errorf("config: kdf params too short (%d bytes)", len(raw))
	}
	n := binary.LittleEndian.Uint32(raw[0:4])
	r := binary.LittleEndian.Uint32(raw[4:8])
	p := binary.LittleEndian.Uint32(raw[8:12])
	saltLen := binary.LittleEndian.Uint32(raw[12:16])
	if uint32(len(raw)-16) != saltLen {
		return ScryptParams{}, fmt.Errorf("config: kdf params declare salt length %d, got %d", saltLen, len(raw)-16)
	}
	salt := append([]byte(nil), raw[16:]...)
	return ScryptParams{N: n, R: r, P: p, Salt: salt}, nil
}

// deriveKey runs scrypt over password with p's cost parameters, producing
// a 32-byte AES-256 key.
func deriveKey(password []byte, p ScryptParams) ([]byte, error) {
	return scrypt.Key(password, p.Salt, int(p.N), int(p.R), int(p.P), keySize)
}

// Encrypt wraps innerConfig (already-serialized bytes, opaque to this
// package) into the outer wire format using freshly generated salt and
// DefaultScryptN/R/P.
func Encrypt(innerConfig []byte, password []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	params := ScryptParams{N: DefaultScryptN, R: DefaultScryptR, P: DefaultScryptP, Salt: salt}
	return EncryptWithParams(innerConfig, password, params)
}

// EncryptWithParams is like Encrypt but with caller-chosen KDF cost
// parameters and salt - used by tests and by callers migrating an
// existing config to new cost parameters.
func EncryptWithParams(innerConfig []byte, password []byte, params ScryptParams) ([]byte, error) {
	key, err := deriveKey(password, params)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nonce, nonce, innerConfig, nil)

	kdfBytes := params.serialize()
	var out bytes.Buffer
	out.WriteString(Header)
	out.WriteByte(0)
	var kdfLen [8]byte
	binary.LittleEndian.PutUint64(kdfLen[:], uint64(len(kdfBytes)))
	out.Write(kdfLen[:])
	out.Write(kdfBytes)
	out.Write(sealed)
	return out.Bytes(), nil
}

// Decrypt parses the outer wire format and decrypts the inner config,
// returning its raw (still-serialized) bytes.
func Decrypt(raw []byte, password []byte) ([]byte, error) {
	nulIdx := bytes.IndexByte(raw, 0)
	if nulIdx < 0 {
		return nil, ErrInvalidHeader
	}
	if string(raw[:nulIdx]) != Header {
		return nil, ErrInvalidHeader
	}
	rest := raw[nulIdx+1:]
	if len(rest) < 8 {
		return nil, ErrInvalidHeader
	}
	kdfLen := binary.LittleEndian.Uint64(rest[:8])
	rest = rest[8:]
	if uint64(len(rest)) < kdfLen {
		return nil, ErrInvalidHeader
	}
	kdfBytes := rest[:kdfLen]
	ciphertext := rest[kdfLen:]

	params, err := parseScryptParams(kdfBytes)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(password, params)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < nonceSize {
		return nil, ErrDecryptionFailed
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
