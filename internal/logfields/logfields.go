package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyDataset    = "dataset"
	KeySource     = "source"
	KeyState      = "state"
	KeyTask       = "task"
	KeyRunID      = "run_id"
	KeyPath       = "path"
	KeyStorage    = "storage"
	KeyCert       = "fingerprint"
	KeyHost       = "host"
	KeyPort       = "port"
	KeyCount      = "count"
	KeyOperation  = "operation"
	KeyMethod     = "method"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Dataset(d string) slog.Attr      { return slog.String(KeyDataset, d) }
func Source(s string) slog.Attr       { return slog.String(KeySource, s) }
func State(s string) slog.Attr        { return slog.String(KeyState, s) }
func Task(t string) slog.Attr         { return slog.String(KeyTask, t) }
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Storage(s string) slog.Attr      { return slog.String(KeyStorage, s) }
func Fingerprint(f string) slog.Attr  { return slog.String(KeyCert, f) }
func Host(h string) slog.Attr         { return slog.String(KeyHost, h) }
func Port(p string) slog.Attr         { return slog.String(KeyPort, p) }
func Count(n int) slog.Attr           { return slog.Int(KeyCount, n) }
func Operation(op string) slog.Attr   { return slog.String(KeyOperation, op) }
func Method(m string) slog.Attr       { return slog.String(KeyMethod, m) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
