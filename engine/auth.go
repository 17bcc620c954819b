package engine

import (
	"bytes"
	"crypto/ed25519"

	"github.com/google/uuid"

	"github.com/latticedb/lattice/dberr"
)

// accessDenied is returned uniformly for every authentication failure
// mode, regardless of whether the account existed, was inactive, or the
// credential was simply wrong, so a caller cannot enumerate valid
// usernames from error text alone.
func accessDenied() error {
	return dberr.New(dberr.Unauthenticated, "access denied")
}

// BeginUserAuthentication verifies that name identifies an active user
// with at least one active access key, ahead of a caller presenting a
// challenge/signature pair.
func (inst *Instance) BeginUserAuthentication(name string) (*User, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	u, err := inst.findUserByNameLocked(name)
	if err != nil || !u.Active {
		return nil, accessDenied()
	}
	for _, k := range u.AccessKeys {
		if k.Active {
			return u, nil
		}
	}
	return nil, accessDenied()
}

// AuthenticateUserWithSignature verifies that signature is a valid
// signature of challenge by any of name's active access keys. On success
// it opens a session and returns the user ID and session UUID.
func (inst *Instance) AuthenticateUserWithSignature(name string, challenge, signature []byte) (uint32, uuid.UUID, error) {
	inst.mu.Lock()
	u, err := inst.findUserByNameLocked(name)
	if err != nil || !u.Active {
		inst.mu.Unlock()
		return 0, uuid.UUID{}, accessDenied()
	}
	verified := false
	for _, k := range u.AccessKeys {
		if !k.Active {
			continue
		}
		pub := ed25519.PublicKey(k.Text)
		if len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, challenge, signature) {
			verified = true
			break
		}
	}
	userID := u.ID
	inst.mu.Unlock()

	if !verified {
		return 0, uuid.UUID{}, accessDenied()
	}
	sess := inst.BeginSession(userID)
	return userID, sess.UUID, nil
}

// AuthenticateUserWithToken matches tokenValue against any of name's
// active, unexpired tokens. On success it opens a session and returns
// the user ID and session UUID.
func (inst *Instance) AuthenticateUserWithToken(name string, tokenValue []byte, now uint64) (uint32, uuid.UUID, error) {
	inst.mu.Lock()
	u, err := inst.findUserByNameLocked(name)
	if err != nil || !u.Active {
		inst.mu.Unlock()
		return 0, uuid.UUID{}, accessDenied()
	}
	matched := false
	for _, t := range u.Tokens {
		if t.expired(now) {
			continue
		}
		if bytes.Equal(t.Value, tokenValue) {
			matched = true
			break
		}
	}
	userID := u.ID
	inst.mu.Unlock()

	if !matched {
		return 0, uuid.UUID{}, accessDenied()
	}
	sess := inst.BeginSession(userID)
	return userID, sess.UUID, nil
}
