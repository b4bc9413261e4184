package server

// Authenticator checks and creates file-mode accounts.
// Register reports false when the username is already taken.
type Authenticator interface {
	Register(username, password string) (bool, error)
	Authenticate(username, password string) (bool, error)
}

// FileStore persists uploaded files per user.
// Load reports false when the file does not exist.
type FileStore interface {
	Save(username, filename string, data []byte) error
	Load(username, filename string) ([]byte, bool, error)
	List(username string) ([]string, error)
}
