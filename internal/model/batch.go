package model

import (
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
)

// UploadType is the declared content of an uploaded file. Besides the four
// known values a composite string may carry both populations.
type UploadType string

const (
	UploadTypeRevenue           UploadType = "Revenue"
	UploadTypeViewership        UploadType = "Viewership"
	UploadTypeViewershipRevenue UploadType = "Viewership_Revenue"
	UploadTypePayment           UploadType = "Payment"
)

func (t UploadType) folded() string {
	return cases.Fold().String(strings.TrimSpace(string(t)))
}

// MentionsViewership reports whether the type carries a viewership population.
func (t UploadType) MentionsViewership() bool {
	return strings.Contains(t.folded(), "viewership")
}

// MentionsRevenue reports whether the type carries a revenue population.
func (t UploadType) MentionsRevenue() bool {
	return strings.Contains(t.folded(), "revenue")
}

// Labels returns the row labels enabled by the type, viewership first.
func (t UploadType) Labels() []Label {
	var labels []Label
	if t.MentionsViewership() {
		labels = append(labels, LabelViewership)
	}
	if t.MentionsRevenue() {
		labels = append(labels, LabelRevenue)
	}
	return labels
}

// Label classifies a row inside a batch.
type Label string

const (
	LabelViewership Label = "Viewership"
	LabelRevenue    Label = "Revenue"
)

// Route selects the stage sequence a batch goes through.
type Route string

const (
	RouteLegacy        Route = "legacy"
	RoutePreNormalized Route = "pre_normalized"
)

// JobTypeStreamlit marks uploads normalized by the upload front-end.
const JobTypeStreamlit = "Streamlit"

// RouteFor maps an invocation job type to its route.
func RouteFor(jobType string) Route {
	if jobType == JobTypeStreamlit {
		return RoutePreNormalized
	}
	return RouteLegacy
}

// Phase is the ordinal progress marker stored on every row of a batch.
// The zero value is the landing state (NULL or empty in the warehouse).
type Phase string

const (
	PhaseNone       Phase = ""
	PhaseStaged     Phase = "0"
	PhaseNormalized Phase = "1"
	PhaseMatched    Phase = "2"
)

// IsNone reports whether p is the landing state.
func (p Phase) IsNone() bool { return p == PhaseNone }

func (p Phase) String() string {
	if p.IsNone() {
		return "null"
	}
	return string(p)
}

// ParsePhase accepts "", "null", "0", "1" or "2".
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null", "none":
		return PhaseNone, nil
	case "0":
		return PhaseStaged, nil
	case "1":
		return PhaseNormalized, nil
	case "2":
		return PhaseMatched, nil
	}
	return PhaseNone, eris.Errorf("model: unknown phase %q", s)
}

// Batch is one uploaded file's worth of records, identified by
// (Platform, Filename).
type Batch struct {
	Platform    string     `json:"platform"`
	Filename    string     `json:"filename"`
	Type        UploadType `json:"type"`
	Domain      string     `json:"domain,omitempty"`
	Territory   string     `json:"territory,omitempty"`
	Channel     string     `json:"channel,omitempty"`
	Year        string     `json:"year,omitempty"`
	Quarter     string     `json:"quarter,omitempty"`
	Month       string     `json:"month,omitempty"`
	RecordCount int64      `json:"record_count"`
	TotHOV      float64    `json:"tot_hov"`
	UserEmail   []string   `json:"user_email,omitempty"`
	JobType     string     `json:"job_type,omitempty"`
}

// Route returns the route selected by the batch's job type.
func (b Batch) Route() Route { return RouteFor(b.JobType) }

// Key identifies the batch across concurrent invocations.
func (b Batch) Key() string { return b.Platform + "/" + b.Filename }

// Validate checks the identity fields. Business rules such as the Pluto
// territory constraint are enforced upstream.
func (b Batch) Validate() error {
	var missing []string
	if strings.TrimSpace(b.Platform) == "" {
		missing = append(missing, "platform")
	}
	if strings.TrimSpace(b.Filename) == "" {
		missing = append(missing, "filename")
	}
	if len(missing) > 0 {
		return eris.Errorf("model: batch missing %s", strings.Join(missing, ", "))
	}
	if b.RecordCount < 0 {
		return eris.Errorf("model: negative record_count %d", b.RecordCount)
	}
	return nil
}

// Verification is the outcome of a single gate check.
type Verification struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// Tables holds the fully qualified warehouse tables a batch moves through.
type Tables struct {
	UploaderDatabase string `json:"uploader_database"`
	Landing          string `json:"landing"`
	Staging          string `json:"staging"`
	Final            string `json:"final"`
	Unmatched        string `json:"unmatched"`
}

// IsFinalTable reports whether table is the episode-details reporting
// table. The final table is recognised by name.
func IsFinalTable(table string) bool {
	return strings.Contains(strings.ToLower(table), "episode")
}
