// Package api holds the JSON shapes of the admin HTTP surface, shared by the
// server and the CLI client.
package api

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8093
)

// maximum log lines returned by a single status query
const MaxStatusLogLines = 1000

type StartResponse struct {
	Started bool `json:"started"`
}

type CancelResponse struct {
	Canceled bool `json:"canceled"`
}

type StatusResponse struct {
	State string   `json:"state"`
	Logs  []string `json:"logs"`
	// Unix seconds; null when the attempt never reached that point.
	StartedAt  *float64 `json:"started_at"`
	FinishedAt *float64 `json:"finished_at"`
	// ISO-8601 UTC renderings for client-side timezone display.
	StartedAtISO  string `json:"started_at_iso,omitempty"`
	FinishedAtISO string `json:"finished_at_iso,omitempty"`
}

type VersionResponse struct {
	Local       string `json:"local"`
	Remote      string `json:"remote"`
	LocalShort  string `json:"local_short"`
	RemoteShort string `json:"remote_short"`
	LocalSource string `json:"local_source"`
	UpToDate    bool   `json:"up_to_date"`
	Error       string `json:"error,omitempty"`
}
