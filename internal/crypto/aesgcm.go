package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	shaderr "github.com/kenneth/shadownloader/errors"
)

// KeySize is the length in bytes of an AES-GCM 256 key.
const KeySize = 32

// ivSize is the GCM nonce length used for every chunk and filename blob.
const ivSize = 12

// gcmTagSize is the authentication tag length GCM appends to ciphertext.
const gcmTagSize = 16

// ChunkOverhead is the constant number of bytes EncryptChunk adds to any
// plaintext: a 12-byte IV plus a 16-byte GCM tag.
const ChunkOverhead = ivSize + gcmTagSize

// Key is an AES-GCM 256 symmetric key.
type Key [KeySize]byte

// GenerateKey produces a fresh AES-GCM 256 key from a CSPRNG.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, shaderr.Wrap(shaderr.Crypto, "key_gen_failed", "failed to generate encryption key", err)
	}
	return k, nil
}

// ExportKeyBase64 encodes a key for carrying in a share URL fragment.
func ExportKeyBase64(k Key) string {
	return encodeBase64(k[:])
}

// ImportKeyBase64 parses a key previously produced by ExportKeyBase64.
func ImportKeyBase64(s string) (Key, error) {
	raw, err := decodeBase64(s)
	if err != nil {
		return Key{}, shaderr.Wrap(shaderr.Crypto, "key_import_failed", "invalid encryption key", err)
	}
	if len(raw) != KeySize {
		return Key{}, shaderr.New(shaderr.Crypto, "key_import_failed", "encryption key has wrong length")
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

// SHA256Hex returns the lowercase hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newAEAD(k Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, shaderr.Wrap(shaderr.Crypto, "cipher_init_failed", "failed to initialize AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, shaderr.Wrap(shaderr.Crypto, "cipher_init_failed", "failed to initialize GCM mode", err)
	}
	return gcm, nil
}

// EncryptChunk encrypts plain with a fresh random IV and returns
// IV (12 bytes) || ciphertext || GCM tag (16 bytes). Calling EncryptChunk
// twice with the same plaintext and key yields different output, since the
// IV is drawn from crypto/rand on every call.
func EncryptChunk(plain []byte, key Key) ([]byte, error) {
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	pool := GetGlobalBufferPool()
	iv := pool.Get12()
	defer pool.Put12(iv)
	if _, err := rand.Read(iv); err != nil {
		return nil, shaderr.Wrap(shaderr.Crypto, "iv_generation_failed", "failed to generate IV", err)
	}

	out := make([]byte, 0, ivSize+len(plain)+gcmTagSize)
	out = append(out, iv...)
	out = gcm.Seal(out, iv, plain, nil)
	return out, nil
}

// DecryptChunk reverses EncryptChunk: the first 12 bytes of combined are
// the IV, the remainder is ciphertext with the trailing GCM tag.
func DecryptChunk(combined []byte, key Key) ([]byte, error) {
	if len(combined) < ChunkOverhead {
		return nil, shaderr.New(shaderr.Crypto, "invalid_ciphertext", "encrypted chunk is shorter than the minimum overhead")
	}
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	iv := combined[:ivSize]
	ciphertext := combined[ivSize:]
	plain, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, shaderr.Wrap(shaderr.Crypto, "decrypt_failed", "invalid key or corrupted data", err)
	}
	return plain, nil
}

// EncryptFilenameB64 encrypts a UTF-8 filename and base64-encodes the
// resulting IV||ciphertext||tag blob so it can travel as a header or JSON
// string value.
func EncryptFilenameB64(name string, key Key) (string, error) {
	combined, err := EncryptChunk([]byte(name), key)
	if err != nil {
		return "", err
	}
	return encodeBase64(combined), nil
}

// DecryptFilenameB64 is the inverse of EncryptFilenameB64.
func DecryptFilenameB64(encoded string, key Key) (string, error) {
	combined, err := decodeBase64(encoded)
	if err != nil {
		return "", shaderr.Wrap(shaderr.Crypto, "decrypt_failed", "failed to decrypt filename", err)
	}
	plain, err := DecryptChunk(combined, key)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
