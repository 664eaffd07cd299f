package shadownloader

// ICEServer mirrors one entry of a WebRTC RTCIceServer configuration as
// advertised by the server's /api/info response.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// UploadCapabilities describes the server's hosted-upload limits. A zero
// MaxSizeMB, MaxLifetimeHours, or MaxFileDownloads means unlimited (except
// MaxFileDownloads == 1, which means single-use).
type UploadCapabilities struct {
	Enabled           bool `json:"enabled"`
	MaxSizeMB         int  `json:"maxSizeMB"`
	MaxLifetimeHours  int  `json:"maxLifetimeHours"`
	MaxFileDownloads  int  `json:"maxFileDownloads"`
	E2EE              bool `json:"e2ee"`
	ChunkSize         int  `json:"chunkSize"`
}

// P2PCapabilities describes the server's WebRTC signalling support.
type P2PCapabilities struct {
	Enabled            bool        `json:"enabled"`
	PeerJSPath         string      `json:"peerjsPath"`
	ICEServers         []ICEServer `json:"iceServers"`
	PeerJSDebugLogging bool        `json:"peerjsDebugLogging"`
}

// WebUICapabilities describes whether the server also serves a browser UI.
type WebUICapabilities struct {
	Enabled bool `json:"enabled"`
}

// ServerInfo is an immutable snapshot of GET /api/info, cached for the
// lifetime of the Client once connect() succeeds.
type ServerInfo struct {
	Name    string          `json:"name,omitempty"`
	Version string          `json:"version"`
	Upload  UploadCapabilities `json:"-"`
	P2P     P2PCapabilities    `json:"-"`
	WebUI   WebUICapabilities  `json:"-"`
}

// serverInfoWire is the literal /api/info JSON shape, decoded then
// flattened into ServerInfo.
type serverInfoWire struct {
	Name         string `json:"name,omitempty"`
	Version      string `json:"version"`
	Capabilities struct {
		Upload UploadCapabilities `json:"upload"`
		P2P    P2PCapabilities    `json:"p2p"`
		WebUI  WebUICapabilities  `json:"webUI"`
	} `json:"capabilities"`
}

func (w serverInfoWire) toServerInfo() ServerInfo {
	return ServerInfo{
		Name:    w.Name,
		Version: w.Version,
		Upload:  w.Capabilities.Upload,
		P2P:     w.Capabilities.P2P,
		WebUI:   w.Capabilities.WebUI,
	}
}

// CompatibilityResult is the memoized outcome of connect(): whether this
// client's version is compatible with the server, plus the server's
// capability snapshot and the base URL to issue further requests against.
type CompatibilityResult struct {
	Compatible    bool
	ClientVersion string
	ServerVersion string
	Message       string
	ServerInfo    ServerInfo
	BaseURL       string
}
