package handlers

import (
	"errors"

	openssl "github.com/Luzifer/go-openssl/v4"
)

// A sealed value holds at least the "Salted__" header block and one AES
// block, 32 bytes or 44 base64 characters.
const minSealedLen = 44

var errShortCiphertext = errors.New("ciphertext is too short")

// DecryptCryptoJS opens a CryptoJS.AES.encrypt(text, passphrase) value,
// which is the OpenSSL salted format with an MD5 key derivation.
func DecryptCryptoJS(encoded, passphrase string) ([]byte, error) {
	if len(encoded) < minSealedLen {
		return nil, errShortCiphertext
	}
	return openssl.New().DecryptBytes(passphrase, []byte(encoded), openssl.BytesToKeyMD5)
}
