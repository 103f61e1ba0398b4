package app

// Session tracks one CLI command or daemon run. Sessions are created in
// memory with ID=0; only commands that change local state persist them.
type Session struct {
	ID         int64
	SessionID  string
	Operation  string
	Parameters string
	Status     string // "success" or "error"
}

// NewSession creates a new in-memory session.
func NewSession(sessionID, operation, parameters string) *Session {
	return &Session{
		SessionID:  sessionID,
		Operation:  operation,
		Parameters: parameters,
		Status:     "success",
	}
}

// Persisted returns true if this session has been saved to the database.
func (s *Session) Persisted() bool {
	return s.ID != 0
}

// Fail marks the session as failed unless err is nil.
func (s *Session) Fail(err error) {
	if err != nil {
		s.Status = "error"
	}
}
