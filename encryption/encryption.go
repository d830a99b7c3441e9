// Copyright 2024 The RegionDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package encryption bridges the server's encryption-at-rest key material
// into the offline tool. Values are sealed with AES-256-GCM under a data key
// looked up by id; the sealed frame carries the key id so that a store can be
// read after key rotation.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

var (
	// ErrKeyUnavailable marks seal or open failures caused by a data key that
	// the key manager cannot produce.
	ErrKeyUnavailable = errors.New("encryption key unavailable")
	// ErrDecryptionFailed marks ciphertext that does not authenticate under
	// the named key.
	ErrDecryptionFailed = errors.New("decryption failed")
)

const keyLength = 32

// KeyManager resolves data keys by id.
type KeyManager interface {
	// CurrentKey returns the id and material of the key new values are
	// sealed under.
	CurrentKey() (string, []byte, error)
	// Key returns the material for the given key id.
	Key(id string) ([]byte, error)
}

// StaticKeyManager serves a single key. Used for tests and for stores that
// never rotated.
type StaticKeyManager struct {
	ID       string
	Material []byte
}

var _ KeyManager = (*StaticKeyManager)(nil)

// CurrentKey implements KeyManager.
func (m *StaticKeyManager) CurrentKey() (string, []byte, error) {
	if len(m.Material) != keyLength {
		return "", nil, errors.Mark(
			errors.Newf("key %s has %d bytes, want %d", m.ID, len(m.Material), keyLength),
			ErrKeyUnavailable)
	}
	return m.ID, m.Material, nil
}

// Key implements KeyManager.
func (m *StaticKeyManager) Key(id string) ([]byte, error) {
	if id != m.ID {
		return nil, errors.Mark(errors.Newf("unknown key id %q", id), ErrKeyUnavailable)
	}
	if len(m.Material) != keyLength {
		return nil, errors.Mark(
			errors.Newf("key %s has %d bytes, want %d", m.ID, len(m.Material), keyLength),
			ErrKeyUnavailable)
	}
	return m.Material, nil
}

// keyRegistry mirrors the server's on-disk key registry file.
type keyRegistry struct {
	ActiveKey string            `toml:"active_key"`
	Keys      map[string]string `toml:"keys"`
}

// FileKeyManager reads data keys from the server's TOML key registry. Key
// material is hex encoded in the file.
type FileKeyManager struct {
	active string
	keys   map[string][]byte
}

var _ KeyManager = (*FileKeyManager)(nil)

// NewFileKeyManager loads the registry at path.
func NewFileKeyManager(path string) (*FileKeyManager, error) {
	var reg keyRegistry
	if _, err := toml.DecodeFile(path, &reg); err != nil {
		return nil, errors.Wrapf(err, "loading key registry %s", path)
	}
	if reg.ActiveKey == "" {
		return nil, errors.Mark(
			errors.Newf("key registry %s names no active key", path), ErrKeyUnavailable)
	}
	m := &FileKeyManager{active: reg.ActiveKey, keys: make(map[string][]byte, len(reg.Keys))}
	for id, hexKey := range reg.Keys {
		material, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding key %s in registry %s", id, path)
		}
		if len(material) != keyLength {
			return nil, errors.Mark(
				errors.Newf("key %s in registry %s has %d bytes, want %d",
					id, path, len(material), keyLength), ErrKeyUnavailable)
		}
		m.keys[id] = material
	}
	if _, ok := m.keys[m.active]; !ok {
		return nil, errors.Mark(
			errors.Newf("active key %s missing from registry %s", m.active, path),
			ErrKeyUnavailable)
	}
	return m, nil
}

// CurrentKey implements KeyManager.
func (m *FileKeyManager) CurrentKey() (string, []byte, error) {
	return m.active, m.keys[m.active], nil
}

// Key implements KeyManager.
func (m *FileKeyManager) Key(id string) ([]byte, error) {
	material, ok := m.keys[id]
	if !ok {
		return nil, errors.Mark(errors.Newf("unknown key id %q", id), ErrKeyUnavailable)
	}
	return material, nil
}

// Codec seals and opens values. The sealed frame is
// [1B key id len][key id][12B nonce][ciphertext+tag].
type Codec struct {
	manager KeyManager
}

// NewCodec returns a codec over the given key manager.
func NewCodec(manager KeyManager) *Codec {
	return &Codec{manager: manager}
}

// Seal encrypts plaintext under the manager's current key.
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	id, material, err := c.manager.CurrentKey()
	if err != nil {
		return nil, err
	}
	if len(id) == 0 || len(id) > 255 {
		return nil, errors.Mark(
			errors.Newf("key id %q length out of range", id), ErrKeyUnavailable)
	}
	aead, err := newAEAD(material)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "generating nonce")
	}
	out := make([]byte, 0, 1+len(id)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, byte(len(id)))
	out = append(out, id...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a frame produced by Seal, resolving the key named in the
// frame header.
func (c *Codec) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < 1 {
		return nil, errors.Mark(errors.New("sealed value is empty"), ErrDecryptionFailed)
	}
	idLen := int(sealed[0])
	if len(sealed) < 1+idLen {
		return nil, errors.Mark(
			errors.Newf("sealed value truncated in key id"), ErrDecryptionFailed)
	}
	id := string(sealed[1 : 1+idLen])
	material, err := c.manager.Key(id)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(material)
	if err != nil {
		return nil, err
	}
	rest := sealed[1+idLen:]
	if len(rest) < aead.NonceSize() {
		return nil, errors.Mark(
			errors.Newf("sealed value under key %s truncated in nonce", id), ErrDecryptionFailed)
	}
	nonce, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Mark(
			errors.Wrapf(err, "opening value under key %s", id), ErrDecryptionFailed)
	}
	return plaintext, nil
}

func newAEAD(material []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, errors.Mark(err, ErrKeyUnavailable)
	}
	return cipher.NewGCM(block)
}
