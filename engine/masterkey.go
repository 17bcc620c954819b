package engine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/latticedb/lattice/dberr"
)

// wrapKey seals a per-database cipher key under the instance master key
// with AES-GCM. Wrapping a short key blob is a different concern from
// storage/encryptedfile's block-aligned, length-preserving xts mode: it
// has no fixed-block-size constraint, and an authentication tag over the
// wrapped key is pure upside, so this is the one place in the engine that
// reaches directly for crypto/aes and crypto/cipher rather than the
// xcipher provider.
func (inst *Instance) wrapKey(key []byte) ([]byte, error) {
	gcm, err := inst.masterAEAD()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, dberr.Wrap(dberr.IoError, err, "generate key-wrap nonce")
	}
	return gcm.Seal(nonce, nonce, key, nil), nil
}

func (inst *Instance) unwrapKey(wrapped []byte) ([]byte, error) {
	gcm, err := inst.masterAEAD()
	if err != nil {
		return nil, err
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, dberr.New(dberr.Corrupt, "wrapped database cipher key shorter than a nonce")
	}
	nonce, ciphertext := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	key, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, dberr.Wrap(dberr.Corrupt, err, "unwrap database cipher key")
	}
	return key, nil
}

func (inst *Instance) masterAEAD() (cipher.AEAD, error) {
	block, err := aes.NewCipher(inst.opt.MasterKey)
	if err != nil {
		return nil, dberr.Wrap(dberr.InvalidArgument, err, "build master cipher from master key")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, dberr.Wrap(dberr.InvalidArgument, err, "build master AEAD")
	}
	return gcm, nil
}
