package decrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"streamrelay/pkg/errdefs"
)

// AES128CBC decrypts a whole HLS segment encrypted with METHOD=AES-128.
// The IV is the one advertised in the EXT-X-KEY tag, or per RFC 8216 the
// big-endian media sequence number when the tag omits it. PKCS#7 padding
// is stripped from the result.
func AES128CBC(data, key, iv []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("%w: AES-128 key must be 16 bytes, got %d", errdefs.ErrDecryptionFailure, len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: IV must be %d bytes, got %d", errdefs.ErrDecryptionFailure, aes.BlockSize, len(iv))
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of the block size", errdefs.ErrDecryptionFailure, len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrDecryptionFailure, err)
	}

	plaintext := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, data)

	return stripPKCS7(plaintext)
}

// SequenceIV derives the implicit IV for a media sequence number.
func SequenceIV(mediaSequence uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	for i := 0; i < 8; i++ {
		iv[15-i] = byte(mediaSequence >> (8 * i))
	}
	return iv
}

func stripPKCS7(plaintext []byte) ([]byte, error) {
	padLen := int(plaintext[len(plaintext)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(plaintext) {
		return nil, fmt.Errorf("%w: invalid padding length %d", errdefs.ErrDecryptionFailure, padLen)
	}
	for _, b := range plaintext[len(plaintext)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: inconsistent padding", errdefs.ErrDecryptionFailure)
		}
	}
	return plaintext[:len(plaintext)-padLen], nil
}
