package cipherkey

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrDecrypt indicates ciphertext that does not open under the key.
var ErrDecrypt = errors.New("cipherkey: failed to decrypt history, the key does not match")

// EncryptedHistory is a sealed entry. It is JSON encoded into the wire data string.
type EncryptedHistory struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// Seal encrypts plaintext under a fresh random nonce.
func Seal(key Key, plaintext []byte) (EncryptedHistory, error) {
	return sealWith(rand.Reader, key, plaintext)
}

func sealWith(random io.Reader, key Key, plaintext []byte) (EncryptedHistory, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(random, nonce[:]); err != nil {
		return EncryptedHistory{}, fmt.Errorf("cipherkey: nonce: %w", err)
	}
	secret := [KeySize]byte(key)
	return EncryptedHistory{
		Ciphertext: secretbox.Seal(nil, plaintext, &nonce, &secret),
		Nonce:      nonce[:],
	}, nil
}

// Open decrypts a sealed entry.
func Open(key Key, sealed EncryptedHistory) ([]byte, error) {
	if len(sealed.Nonce) != nonceSize {
		return nil, fmt.Errorf("%w: nonce has %d bytes", ErrDecrypt, len(sealed.Nonce))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed.Nonce)
	secret := [KeySize]byte(key)
	plaintext, ok := secretbox.Open(nil, sealed.Ciphertext, &nonce, &secret)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncryptHistory seals a command.
func EncryptHistory(key Key, command history.Command) (EncryptedHistory, error) {
	plaintext, err := json.Marshal(command)
	if err != nil {
		return EncryptedHistory{}, fmt.Errorf("cipherkey: encode history: %w", err)
	}
	return Seal(key, plaintext)
}

// DecryptHistory opens a sealed command.
func DecryptHistory(key Key, sealed EncryptedHistory) (history.Command, error) {
	plaintext, err := Open(key, sealed)
	if err != nil {
		return history.Command{}, err
	}
	var command history.Command
	if err := json.Unmarshal(plaintext, &command); err != nil {
		return history.Command{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return command, nil
}

// EncodeEncrypted renders a sealed entry as the opaque data string the server stores.
func EncodeEncrypted(sealed EncryptedHistory) (string, error) {
	payload, err := json.Marshal(sealed)
	if err != nil {
		return "", fmt.Errorf("cipherkey: encode sealed history: %w", err)
	}
	return string(payload), nil
}

// DecodeEncrypted parses the data string of a downloaded entry.
func DecodeEncrypted(data string) (EncryptedHistory, error) {
	var sealed EncryptedHistory
	if err := json.Unmarshal([]byte(data), &sealed); err != nil {
		return EncryptedHistory{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return sealed, nil
}
