// Package xcipher is the cipher provider consumed by storage/encryptedfile.
// It satisfies the "Cipher provider" external collaborator contract:
// get_cipher(id) yields a cipher with a fixed block_size and the ability to
// create per-key encryption/decryption contexts.
//
// Ciphers are built on golang.org/x/crypto/xts, a tweakable, length
// preserving block-cipher mode designed for sector-addressed storage: each
// plaintext block is transformed independently, keyed by its block index,
// and the ciphertext is exactly as long as the plaintext. That is precisely
// what the encrypted file's "block N at ciphertext offset N*block_size"
// layout requires; an AEAD mode would append a per-block authentication tag
// and break the fixed block size the format depends on.
package xcipher

import (
	"crypto/aes"

	"golang.org/x/crypto/xts"

	"github.com/latticedb/lattice/dberr"
)

// BlockSize is the fixed plaintext/ciphertext block size used by every
// cipher this package provides. It doubles as the "sector size" passed to
// the underlying XTS transform.
const BlockSize = 4096

// Cipher describes a named cipher algorithm: its block size and factories
// for per-key encryption/decryption contexts.
type Cipher interface {
	ID() string
	BlockSize() int
	KeySize() int
	NewEncryptionContext(key []byte) (EncryptionContext, error)
	NewDecryptionContext(key []byte) (DecryptionContext, error)
}

// EncryptionContext transforms one fixed-size plaintext block, identified
// by its block index, into ciphertext of the same length.
type EncryptionContext interface {
	EncryptBlock(blockIndex uint64, dst, src []byte) error
}

// DecryptionContext is EncryptionContext's inverse.
type DecryptionContext interface {
	DecryptBlock(blockIndex uint64, dst, src []byte) error
}

// Provider resolves a cipher by id. Only a Provider built by NewProvider
// has the built-in aes128/aes256 ciphers; the zero value has none.
type Provider struct {
	ciphers map[string]Cipher
}

// NewProvider returns a Provider with the standard AES-XTS ciphers
// registered.
func NewProvider() *Provider {
	p := &Provider{ciphers: make(map[string]Cipher)}
	p.Register(newAESXTSCipher("aes128", 32))
	p.Register(newAESXTSCipher("aes256", 64))
	return p
}

// Register adds or replaces a cipher under its own ID.
func (p *Provider) Register(c Cipher) {
	p.ciphers[c.ID()] = c
}

// GetCipher resolves id to a registered Cipher.
func (p *Provider) GetCipher(id string) (Cipher, error) {
	c, ok := p.ciphers[id]
	if !ok {
		return nil, dberr.Newf(dberr.InvalidArgument, "unknown cipher id %q", id)
	}
	return c, nil
}

type aesXTSCipher struct {
	id      string
	keySize int
}

func newAESXTSCipher(id string, keySize int) *aesXTSCipher {
	return &aesXTSCipher{id: id, keySize: keySize}
}

func (c *aesXTSCipher) ID() string        { return c.id }
func (c *aesXTSCipher) BlockSize() int    { return BlockSize }
func (c *aesXTSCipher) KeySize() int      { return c.keySize }

func (c *aesXTSCipher) checkKey(key []byte) error {
	if len(key) != c.keySize {
		return dberr.Newf(dberr.InvalidArgument, "cipher %s requires a %d-byte key, got %d", c.id, c.keySize, len(key))
	}
	return nil
}

func (c *aesXTSCipher) NewEncryptionContext(key []byte) (EncryptionContext, error) {
	if err := c.checkKey(key); err != nil {
		return nil, err
	}
	xc, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, dberr.Wrap(dberr.Corrupt, err, "build xts cipher")
	}
	return &aesXTSContext{xc: xc}, nil
}

func (c *aesXTSCipher) NewDecryptionContext(key []byte) (DecryptionContext, error) {
	if err := c.checkKey(key); err != nil {
		return nil, err
	}
	xc, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, dberr.Wrap(dberr.Corrupt, err, "build xts cipher")
	}
	return &aesXTSContext{xc: xc}, nil
}

type aesXTSContext struct {
	xc *xts.Cipher
}

func (c *aesXTSContext) EncryptBlock(blockIndex uint64, dst, src []byte) error {
	if len(src) != BlockSize || len(dst) != BlockSize {
		return dberr.Newf(dberr.InvalidArgument, "xts: block must be %d bytes", BlockSize)
	}
	c.xc.Encrypt(dst, src, blockIndex)
	return nil
}

func (c *aesXTSContext) DecryptBlock(blockIndex uint64, dst, src []byte) error {
	if len(src) != BlockSize || len(dst) != BlockSize {
		return dberr.Newf(dberr.InvalidArgument, "xts: block must be %d bytes", BlockSize)
	}
	c.xc.Decrypt(dst, src, blockIndex)
	return nil
}
