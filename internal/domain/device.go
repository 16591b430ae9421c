package domain

// Speaker is a station registered on the account, as returned by the cloud device list.
type Speaker struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

// LocalDevice is a resolved LAN presence of a Speaker.
type LocalDevice struct {
	DeviceID    string `json:"device_id"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Platform    string `json:"platform,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// Credentials is the blob persisted through the credential store.
type Credentials struct {
	AuthToken  string `json:"auth_token,omitempty"`
	CookieBlob string `json:"cookie_blob,omitempty"`
}

func (c Credentials) Empty() bool {
	return c.AuthToken == "" && c.CookieBlob == ""
}
