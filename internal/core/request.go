package core

// Claims is the decoded identity claim set handed to the core by the
// external token verifier. The core never sees token bytes — only this
// struct.
type Claims struct {
	UserID        string   `json:"user_id"`
	TenantID      string   `json:"tenant_id"`
	Role          string   `json:"role"`
	Permissions   []string `json:"permissions,omitempty"`
	MFAVerified   bool     `json:"mfa_verified"`
	DeviceID      string   `json:"device_id,omitempty"`
	DeviceTrusted bool     `json:"device_trusted"`
}

// ConnectionInfo is the per-request connection metadata extracted by the
// HTTP collaborator.
type ConnectionInfo struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	Path      string `json:"path"`
	Method    string `json:"method"`
}
