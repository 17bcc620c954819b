package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/latticedb/lattice/dberr"
)

// Session is the authenticated context created by a successful
// AuthenticateUserWithSignature/AuthenticateUserWithToken call. Sessions
// are owned by the Instance and referenced weakly by executor workers
// through the session UUID.
type Session struct {
	UUID      uuid.UUID
	UserID    uint32
	CreatedAt time.Time
}

// BeginSession generates a UUID unique among currently open sessions and
// registers a new Session for userID.
func (inst *Instance) BeginSession(userID uint32) *Session {
	inst.sessMu.Lock()
	defer inst.sessMu.Unlock()

	var id uuid.UUID
	for {
		id = uuid.New()
		if _, exists := inst.sessions[id]; !exists {
			break
		}
	}
	s := &Session{UUID: id, UserID: userID, CreatedAt: time.Now()}
	inst.sessions[id] = s
	return s
}

// EndSession removes a session; an unknown UUID is an error.
func (inst *Instance) EndSession(id uuid.UUID) error {
	inst.sessMu.Lock()
	defer inst.sessMu.Unlock()

	if _, ok := inst.sessions[id]; !ok {
		return dberr.Newf(dberr.NotFound, "session %s does not exist", id)
	}
	delete(inst.sessions, id)
	return nil
}

// FindSession looks up an open session by UUID.
func (inst *Instance) FindSession(id uuid.UUID) (*Session, error) {
	inst.sessMu.Lock()
	defer inst.sessMu.Unlock()

	s, ok := inst.sessions[id]
	if !ok {
		return nil, dberr.Newf(dberr.NotFound, "session %s does not exist", id)
	}
	return s, nil
}
