package crypto

import (
	"bytes"
	"testing"

	shaderr "github.com/kenneth/shadownloader/errors"
)

func TestEncryptDecryptChunk_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}

	plain := []byte("the quick brown fox jumps over the lazy dog")
	combined, err := EncryptChunk(plain, key)
	if err != nil {
		t.Fatalf("EncryptChunk() error: %v", err)
	}
	if len(combined) != len(plain)+ChunkOverhead {
		t.Fatalf("EncryptChunk() overhead = %d, want %d", len(combined)-len(plain), ChunkOverhead)
	}

	decrypted, err := DecryptChunk(combined, key)
	if err != nil {
		t.Fatalf("DecryptChunk() error: %v", err)
	}
	if !bytes.Equal(decrypted, plain) {
		t.Errorf("DecryptChunk() = %q, want %q", decrypted, plain)
	}
}

func TestEncryptChunk_FreshIVPerCall(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	plain := []byte("identical plaintext")

	a, err := EncryptChunk(plain, key)
	if err != nil {
		t.Fatalf("EncryptChunk() error: %v", err)
	}
	b, err := EncryptChunk(plain, key)
	if err != nil {
		t.Fatalf("EncryptChunk() error: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("EncryptChunk() produced identical ciphertext for two calls with the same plaintext")
	}
}

func TestDecryptChunk_TamperedTagFails(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	combined, err := EncryptChunk([]byte("data"), key)
	if err != nil {
		t.Fatalf("EncryptChunk() error: %v", err)
	}
	combined[len(combined)-1] ^= 0xFF

	_, err = DecryptChunk(combined, key)
	if err == nil {
		t.Fatal("DecryptChunk() expected error for tampered ciphertext, got nil")
	}
	if !shaderr.IsKind(err, shaderr.Crypto) {
		t.Errorf("DecryptChunk() error kind = %v, want Crypto", err)
	}
}

func TestExportImportKeyBase64_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	exported := ExportKeyBase64(key)
	imported, err := ImportKeyBase64(exported)
	if err != nil {
		t.Fatalf("ImportKeyBase64() error: %v", err)
	}
	if imported != key {
		t.Error("ImportKeyBase64() did not round-trip the original key")
	}
}

func TestImportKeyBase64_WrongLength(t *testing.T) {
	_, err := ImportKeyBase64(encodeBase64([]byte("too short")))
	if err == nil {
		t.Fatal("ImportKeyBase64() expected error for short key, got nil")
	}
}

func TestEncryptDecryptFilenameB64_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	name := "résumé final (v2).pdf"

	encoded, err := EncryptFilenameB64(name, key)
	if err != nil {
		t.Fatalf("EncryptFilenameB64() error: %v", err)
	}
	decoded, err := DecryptFilenameB64(encoded, key)
	if err != nil {
		t.Fatalf("DecryptFilenameB64() error: %v", err)
	}
	if decoded != name {
		t.Errorf("DecryptFilenameB64() = %q, want %q", decoded, name)
	}
}

func TestSHA256Hex(t *testing.T) {
	// Known SHA-256 digest of the empty string.
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"[:64]
	if got := SHA256Hex(nil); got != want {
		t.Errorf("SHA256Hex(nil) = %s, want %s", got, want)
	}
}
