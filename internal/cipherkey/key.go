// Package cipherkey owns the account encryption key: it loads and persists the key file,
// converts between the base64 and mnemonic forms, seals history entries and rotates the key
// over the local store.
package cipherkey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// KeySize is the length of an account key in bytes.
const KeySize = 32

const keyIDBytes = 8

var (
	// ErrKeyNotFound indicates that no key file exists yet.
	ErrKeyNotFound = errors.New("cipherkey: key file not found, run `shellsync key` on a logged in device and import it here")
	// ErrKeyMalformed indicates a key file that does not hold a base64 encoded key.
	ErrKeyMalformed = errors.New("cipherkey: key file is malformed, restore it from backup or re-import the key")
	// ErrInvalidMnemonic indicates words that are not a BIP-39 phrase.
	ErrInvalidMnemonic = errors.New("cipherkey: invalid key mnemonic")
	// ErrMnemonicChecksum indicates a BIP-39 phrase whose checksum does not match.
	ErrMnemonicChecksum = errors.New("cipherkey: key mnemonic was not valid")
	// ErrInvalidKeyEncoding indicates input that is neither a mnemonic nor base64.
	ErrInvalidKeyEncoding = errors.New("cipherkey: key is not valid base64")
	// ErrInvalidKeyLength indicates a decoded key of the wrong size.
	ErrInvalidKeyLength = errors.New("cipherkey: key was not the correct length")
)

// Key is a symmetric account key.
type Key [KeySize]byte

// ID identifies the key without revealing it.
func (k Key) ID() string {
	sum := sha256.Sum256(k[:])
	return hex.EncodeToString(sum[:keyIDBytes])
}

// GenerateKey draws a new key from the reader, crypto/rand when nil.
func GenerateKey(random io.Reader) (Key, error) {
	if random == nil {
		random = rand.Reader
	}
	var key Key
	if _, err := io.ReadFull(random, key[:]); err != nil {
		return Key{}, fmt.Errorf("cipherkey: generate key: %w", err)
	}
	return key, nil
}

// Encode returns the base64 form stored in the key file.
func Encode(key Key) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// Mnemonic returns the 24-word BIP-39 form of the key.
func Mnemonic(key Key) (string, error) {
	phrase, err := bip39.NewMnemonic(key[:])
	if err != nil {
		return "", fmt.Errorf("cipherkey: mnemonic: %w", err)
	}
	return phrase, nil
}

// Decode accepts either the mnemonic or the base64 form. A single token is treated as base64.
func Decode(input string) (Key, error) {
	words := strings.Fields(input)
	switch len(words) {
	case 0:
		return Key{}, ErrInvalidKeyEncoding
	case 1:
		return decodeBase64(words[0])
	}

	entropy, err := bip39.EntropyFromMnemonic(strings.ToLower(strings.Join(words, " ")))
	if errors.Is(err, bip39.ErrChecksumIncorrect) {
		return Key{}, ErrMnemonicChecksum
	}
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	if len(entropy) != KeySize {
		return Key{}, fmt.Errorf("%w: mnemonic holds %d bytes", ErrInvalidKeyLength, len(entropy))
	}
	var key Key
	copy(key[:], entropy)
	return key, nil
}

// Normalize converts any accepted input into the base64 form.
func Normalize(input string) (string, error) {
	key, err := Decode(input)
	if err != nil {
		return "", err
	}
	return Encode(key), nil
}

func decodeBase64(encoded string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("%w: %d bytes", ErrInvalidKeyLength, len(raw))
	}
	var key Key
	copy(key[:], raw)
	return key, nil
}
