package handler

import (
	"bytes"
	"encoding/json"
	"net/mail"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/nosey/viewership-pipeline/internal/model"
)

// Event is one invocation as sent by the upload front-end. Numeric fields
// arrive as numbers or strings depending on the caller.
type Event struct {
	RecordCount flexInt    `json:"record_count"`
	TotHOV      flexFloat  `json:"tot_hov"`
	Platform    string     `json:"platform"`
	Domain      string     `json:"domain"`
	Filename    string     `json:"filename"`
	UserEmail   recipients `json:"userEmail"`
	Type        string     `json:"type"`
	Territory   flexString `json:"territory"`
	Channel     flexString `json:"channel"`
	Year        flexString `json:"year"`
	Quarter     flexString `json:"quarter"`
	Month       flexString `json:"month"`
	JobType     string     `json:"jobType"`
}

// ParseEvent decodes and validates a raw invocation payload.
func ParseEvent(data []byte) (model.Batch, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.Batch{}, eris.Wrap(err, "handler: decode event")
	}
	b := ev.Batch()
	if err := b.Validate(); err != nil {
		return model.Batch{}, err
	}
	return b, nil
}

// Batch converts the event into the pipeline's batch.
func (e Event) Batch() model.Batch {
	return model.Batch{
		Platform:    strings.TrimSpace(e.Platform),
		Filename:    strings.TrimSpace(e.Filename),
		Type:        model.UploadType(strings.TrimSpace(e.Type)),
		Domain:      e.Domain,
		Territory:   string(e.Territory),
		Channel:     string(e.Channel),
		Year:        string(e.Year),
		Quarter:     string(e.Quarter),
		Month:       string(e.Month),
		RecordCount: int64(e.RecordCount),
		TotHOV:      float64(e.TotHOV),
		UserEmail:   []string(e.UserEmail),
		JobType:     e.JobType,
	}
}

func isNull(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}

// unquote returns the JSON string content, or the raw token for numbers.
func unquote(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	return string(data), nil
}

type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	s, err := unquote(data)
	if err != nil {
		return eris.Wrap(err, "handler: record_count")
	}
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Exports sometimes write counts as 1200.0.
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || fl != float64(int64(fl)) {
			return eris.Errorf("handler: record_count %q is not an integer", s)
		}
		n = int64(fl)
	}
	*f = flexInt(n)
	return nil
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	s, err := unquote(data)
	if err != nil {
		return eris.Wrap(err, "handler: tot_hov")
	}
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return eris.Errorf("handler: tot_hov %q is not a number", s)
	}
	*f = flexFloat(v)
	return nil
}

type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	s, err := unquote(data)
	if err != nil {
		return eris.Wrap(err, "handler: decode string field")
	}
	*f = flexString(s)
	return nil
}

// recipients accepts a single address, a comma separated list, or a JSON
// array of addresses.
type recipients []string

func (r *recipients) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	var raw []string
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return eris.Wrap(err, "handler: userEmail")
		}
	} else {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return eris.Wrap(err, "handler: userEmail")
		}
		raw = strings.Split(s, ",")
	}

	out := make([]string, 0, len(raw))
	for _, addr := range raw {
		if addr = strings.TrimSpace(addr); addr == "" {
			continue
		}
		parsed, err := mail.ParseAddress(addr)
		if err != nil {
			return eris.Wrapf(err, "handler: userEmail %q", addr)
		}
		out = append(out, parsed.Address)
	}
	*r = out
	return nil
}
