package config

import (
	"bytes"
	"testing"

	"blocktree/internal/testutil"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	inner := testutil.DataFixture(256, 1)
	password := []byte("correct horse battery staple")

	outer, err := Encrypt(inner, password)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := Decrypt(outer, password)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, inner) {
		t.Fatalf("round-tripped config does not match original")
	}
}

func TestDecryptWrongPasswordFails(t *testing.T) {
	inner := testutil.DataFixture(64, 2)
	outer, err := Encrypt(inner, []byte("right password"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(outer, []byte("wrong password")); err != ErrDecryptionFailed {
		t.Fatalf("Decrypt() with wrong password = %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptCorruptHeaderFails(t *testing.T) {
	inner := testutil.DataFixture(32, 3)
	password := []byte("pw")
	outer, err := Encrypt(inner, password)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	outer[0] ^= 0xFF

	if _, err := Decrypt(outer, password); err != ErrInvalidHeader {
		t.Fatalf("Decrypt() with corrupt header = %v, want ErrInvalidHeader", err)
	}
}

func TestDecryptMissingHeaderTerminatorFails(t *testing.T) {
	if _, err := Decrypt([]byte("not a config file"), []byte("pw")); err != ErrInvalidHeader {
		t.Fatalf("Decrypt() with no NUL terminator = %v, want ErrInvalidHeader", err)
	}
}

func TestDecryptTruncatedCiphertextFails(t *testing.T) {
	inner := testutil.DataFixture(32, 4)
	password := []byte("pw")
	outer, err := Encrypt(inner, password)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	truncated := outer[:len(outer)-5]

	if _, err := Decrypt(truncated, password); err != ErrDecryptionFailed {
		t.Fatalf("Decrypt() on truncated ciphertext = %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	inner := testutil.DataFixture(32, 5)
	password := []byte("pw")
	outer, err := Encrypt(inner, password)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	outer[len(outer)-1] ^= 0xFF

	if _, err := Decrypt(outer, password); err != ErrDecryptionFailed {
		t.Fatalf("Decrypt() on tampered ciphertext = %v, want ErrDecryptionFailed", err)
	}
}

func TestEncryptWithParamsUsesGivenSalt(t *testing.T) {
	inner := testutil.DataFixture(16, 6)
	password := []byte("pw")
	params := ScryptParams{N: 1 << 10, R: 8, P: 1, Salt: testutil.DataFixture(16, 7)}

	outer, err := EncryptWithParams(inner, password, params)
	if err != nil {
		t.Fatalf("EncryptWithParams: %v", err)
	}
	got, err := Decrypt(outer, password)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, inner) {
		t.Fatalf("round-tripped config does not match original")
	}
}

func TestDecryptRejectsWrongHeaderVersion(t *testing.T) {
	fake := append([]byte("cryfs.config;2;scrypt\x00"), make([]byte, 16)...)
	if _, err := Decrypt(fake, []byte("pw")); err != ErrInvalidHeader {
		t.Fatalf("Decrypt() with unknown header = %v, want ErrInvalidHeader", err)
	}
}
