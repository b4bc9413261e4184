package protocol

import "encoding/json"

// Auth actions (cleartext, file mode only)
const (
	ActionRegister = "register"
	ActionLogin    = "login"
)

// File actions (encrypted, file mode only)
const (
	ActionUpload   = "upload"
	ActionDownload = "download"
	ActionList     = "list"
)

// Key exchange methods
const (
	MethodDH  = "DH"
	MethodPKI = "PKI"
)

// Status values carried in StatusResponse and FileResponse
const (
	StatusSuccess             = "success"
	StatusUsernameTaken       = "username_taken"
	StatusInvalidCredentials  = "invalid_credentials"
	StatusInvalidAction       = "invalid_action"
	StatusKeyExchangeComplete = "key_exchange_complete"
	StatusKeyExchangeFailed   = "key_exchange_failed"
	StatusUploadSuccess       = "upload_success"
	StatusFileNotFound        = "file_not_found"
	StatusError               = "error"
)

// DefaultCipherType is assumed when a HandshakeMessage omits cipher_type
const DefaultCipherType = "AES"

// Chat presence notices are part of the wire contract with existing clients
const (
	ChatJoinSuffix  = " conectado"
	ChatLeaveSuffix = " desconectado"
)

// AuthRequest is the first frame a file-mode client sends, before any key exchange.
// It travels in cleartext.
type AuthRequest struct {
	Action    string `json:"action"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Algorithm string `json:"algorithm,omitempty"`
}

// StatusResponse is the generic cleartext reply used during auth and key exchange.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HandshakeMessage negotiates the session key in file mode.
//
// Client → server: {method, public_key (DH), encrypted_key (PKI), cipher_type}.
// Server → client: {method, public_key} carrying the server's DH share or RSA key.
type HandshakeMessage struct {
	Method       string `json:"method"`
	PublicKey    string `json:"public_key,omitempty"`
	EncryptedKey []byte `json:"encrypted_key,omitempty"`
	CipherType   string `json:"cipher_type,omitempty"`
}

// Envelope wraps every post-handshake file-mode frame. Data is the ciphertext
// (IV prefixed), base64 encoded on the wire.
type Envelope struct {
	Data []byte `json:"data"`
}

// FileRequest is the decrypted content of a client Envelope.
type FileRequest struct {
	Action   string `json:"action"`
	Filename string `json:"filename,omitempty"`
	FileData []byte `json:"file_data,omitempty"`
}

// FileResponse is the decrypted content of a server Envelope.
//
// FileData and Files are sent whenever they are non-nil, even when empty:
// a download of an empty file carries "file_data":"" and a list for a user
// without files carries "files":[]. Nil means the key is absent.
type FileResponse struct {
	Status   string   `json:"status"`
	FileData []byte   `json:"file_data,omitempty"`
	Files    []string `json:"files,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (r FileResponse) MarshalJSON() ([]byte, error) {
	wire := struct {
		Status   string    `json:"status"`
		FileData *[]byte   `json:"file_data,omitempty"`
		Files    *[]string `json:"files,omitempty"`
		Message  string    `json:"message,omitempty"`
	}{Status: r.Status, Message: r.Message}
	if r.FileData != nil {
		wire.FileData = &r.FileData
	}
	if r.Files != nil {
		wire.Files = &r.Files
	}
	return json.Marshal(wire)
}

// JoinNotice is broadcast when a chat identity becomes active.
func JoinNotice(identity string) string {
	return identity + ChatJoinSuffix
}

// LeaveNotice is broadcast when a chat identity leaves.
func LeaveNotice(identity string) string {
	return identity + ChatLeaveSuffix
}

// ChatLine formats a relayed chat message.
func ChatLine(identity, message string) string {
	return "(" + identity + "): " + message
}
