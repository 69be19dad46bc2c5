package protocol

import "time"

// HELLO (host -> server). Token must match the server's host token when one
// is configured.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	HostName        string `json:"host_name"`
	HostVersion     string `json:"host_version,omitempty"`
	MaxQueue        int    `json:"max_queue,omitempty"`
	Token           string `json:"token,omitempty"`
}

// WELCOME (server -> host)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Enabled         bool   `json:"enabled"`
	LedgerBackend   string `json:"ledger_backend"`
	LedgerAPI       int    `json:"ledger_api_version"`
	CatalogDigest   string `json:"catalog_digest,omitempty"`
}

type BlockRef struct {
	World    string `json:"world"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Z        int    `json:"z"`
	Material string `json:"material"`
}

// EXPLOSION (host -> server): the block list the host is about to destroy.
type ExplosionMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ID              string     `json:"id"`
	Cause           string     `json:"cause"` // ENTITY or BLOCK
	Source          string     `json:"source,omitempty"`
	Blocks          []BlockRef `json:"blocks"`
}

// FILTERED (server -> host): blocks the host must leave in place.
type FilteredMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ID              string     `json:"id"`
	Protected       []BlockRef `json:"protected"`
	Remaining       int        `json:"remaining"`
}

// COMMAND (host -> server): an operator typed /explosionprotector. The host
// reports the player's permissions; console access is never granted over
// the wire.
type CommandMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ID              string   `json:"id"`
	Sender          string   `json:"sender"`
	Permissions     []string `json:"permissions,omitempty"`
	Locale          string   `json:"locale,omitempty"`
	Args            []string `json:"args"`
}

type CommandResultMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ID              string   `json:"id"`
	OK              bool     `json:"ok"`
	Code            string   `json:"code,omitempty"`
	Lines           []string `json:"lines"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// SUBSCRIBE (operator -> server) opens the fallback notification stream.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Buffer          int    `json:"buffer,omitempty"`
}

// FALLBACK (server -> operator)
type FallbackMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	IncidentID      string    `json:"incident_id"`
	At              time.Time `json:"at"`
	World           string    `json:"world"`
	Pos             [3]int    `json:"pos"`
	Kind            string    `json:"kind"`
	Error           string    `json:"error"`
	// Suppressed counts incidents dropped by the rate limit since the
	// previous notification.
	Suppressed uint64 `json:"suppressed,omitempty"`
}

// NewError builds an ERROR reply. Codes outside the known set are reported
// as E_INTERNAL.
func NewError(id, code, msg string) ErrorMsg {
	if code == "" || !IsKnownCode(code) {
		code = ErrInternal
	}
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, ID: id, Code: code, Message: msg}
}
