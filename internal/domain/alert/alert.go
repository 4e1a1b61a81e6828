package alert

// Severity classifies operator-facing alert levels.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// Valid reports whether s is one of the known severity levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityDanger:
		return true
	}
	return false
}

// Item is one alert occurrence as seen by the operator.
//
// Identity is Key() = "id|started_at": a re-opened alert with a new
// started_at is a distinct occurrence, not an update of the old one.
type Item struct {
	ID            string   `json:"id"`
	Site          string   `json:"site"`
	SensorID      string   `json:"sensor_id"`
	Model         string   `json:"model"`
	Title         string   `json:"title,omitempty"`
	Message       string   `json:"message,omitempty"`
	StartedAt     string   `json:"started_at,omitempty"` // ISO-8601, as delivered by the server
	Severity      Severity `json:"severity"`
	ShortFilename string   `json:"short_filename,omitempty"`
	StreamURL     string   `json:"stream_url,omitempty"`
}

// Key returns the occurrence identity key.
func (it *Item) Key() string { return it.ID + "|" + it.StartedAt }

// Merge overlays non-empty fields of src onto it. Identity fields (ID,
// StartedAt) are never changed; a duplicate delivery updates details in
// place instead of replacing the item wholesale.
func (it *Item) Merge(src Item) {
	if src.Site != "" {
		it.Site = src.Site
	}
	if src.SensorID != "" {
		it.SensorID = src.SensorID
	}
	if src.Model != "" {
		it.Model = src.Model
	}
	if src.Title != "" {
		it.Title = src.Title
	}
	if src.Message != "" {
		it.Message = src.Message
	}
	if src.Severity.Valid() {
		it.Severity = src.Severity
	}
	if src.ShortFilename != "" {
		it.ShortFilename = src.ShortFilename
	}
	if src.StreamURL != "" {
		it.StreamURL = src.StreamURL
	}
}
