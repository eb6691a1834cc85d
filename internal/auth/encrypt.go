package auth

import (
	"bytes"
	"crypto/aes"
	"encoding/base64"
	"errors"
)

var errPadding = errors.New("invalid padding")

func pad(src []byte, blockSize int) []byte {
	n := blockSize - len(src)%blockSize
	return append(src, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(src []byte) ([]byte, error) {
	l := len(src)
	if l == 0 {
		return nil, errPadding
	}
	n := int(src[l-1])
	if n <= 0 || n > l {
		return nil, errPadding
	}
	for i := 0; i < n; i++ {
		if src[l-1-i] != byte(n) {
			return nil, errPadding
		}
	}
	return src[:l-n], nil
}

// Encrypt seals content with AES/ECB/PKCS5 under the UTF-8 bytes of secret and returns Base64.
// Tokens issued by the account service use this format.
func Encrypt(content, secret string) (string, error) {
	block, err := aes.NewCipher([]byte(secret))
	if err != nil {
		return "", err
	}
	bs := block.BlockSize()
	plain := pad([]byte(content), bs)
	out := make([]byte, len(plain))
	for i := 0; i < len(plain); i += bs {
		block.Encrypt(out[i:i+bs], plain[i:i+bs])
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func Decrypt(content, secret string) (string, error) {
	block, err := aes.NewCipher([]byte(secret))
	if err != nil {
		return "", err
	}
	sealed, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", err
	}
	bs := block.BlockSize()
	if len(sealed) == 0 || len(sealed)%bs != 0 {
		return "", errors.New("invalid ciphertext size")
	}
	out := make([]byte, len(sealed))
	for i := 0; i < len(sealed); i += bs {
		block.Decrypt(out[i:i+bs], sealed[i:i+bs])
	}
	out, err = unpad(out)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
