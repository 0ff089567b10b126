package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nosey/viewership-pipeline/internal/model"
)

func TestParseEvent_Full(t *testing.T) {
	raw := `{
		"record_count": 1200,
		"tot_hov": 345.5,
		"platform": "Pluto",
		"domain": "AVOD",
		"filename": "pluto_2024_q1.csv",
		"userEmail": ["a@example.com", " b@example.com "],
		"type": "Viewership_Revenue",
		"territory": "US",
		"channel": "Nosey",
		"year": 2024,
		"quarter": "Q1",
		"month": "3",
		"jobType": "Streamlit"
	}`

	b, err := ParseEvent([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, model.Batch{
		Platform:    "Pluto",
		Filename:    "pluto_2024_q1.csv",
		Type:        model.UploadTypeViewershipRevenue,
		Domain:      "AVOD",
		Territory:   "US",
		Channel:     "Nosey",
		Year:        "2024",
		Quarter:     "Q1",
		Month:       "3",
		RecordCount: 1200,
		TotHOV:      345.5,
		UserEmail:   []string{"a@example.com", "b@example.com"},
		JobType:     "Streamlit",
	}, b)
	assert.Equal(t, model.RoutePreNormalized, b.Route())
}

func TestParseEvent_RecordCount(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    int64
		wantErr bool
	}{
		{"number", `42`, 42, false},
		{"string", `"42"`, 42, false},
		{"padded string", `" 42 "`, 42, false},
		{"whole float", `42.0`, 42, false},
		{"null", `null`, 0, false},
		{"empty string", `""`, 0, false},
		{"fraction", `42.5`, 0, true},
		{"word", `"many"`, 0, true},
		{"negative", `-1`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `{"platform":"Wurl","filename":"w.csv","record_count":` + tt.value + `}`
			b, err := ParseEvent([]byte(raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.RecordCount)
		})
	}
}

func TestParseEvent_TotHOV(t *testing.T) {
	b, err := ParseEvent([]byte(`{"platform":"Wurl","filename":"w.csv","tot_hov":"12.25"}`))
	require.NoError(t, err)
	assert.InDelta(t, 12.25, b.TotHOV, 1e-9)

	_, err = ParseEvent([]byte(`{"platform":"Wurl","filename":"w.csv","tot_hov":"n/a"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tot_hov")
}

func TestParseEvent_UserEmail(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  []string
	}{
		{"single", `"ops@example.com"`, []string{"ops@example.com"}},
		{"comma separated", `"a@example.com, b@example.com,"`, []string{"a@example.com", "b@example.com"}},
		{"list", `["a@example.com",""]`, []string{"a@example.com"}},
		{"empty", `""`, []string{}},
		{"null", `null`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `{"platform":"Wurl","filename":"w.csv","userEmail":` + tt.value + `}`
			b, err := ParseEvent([]byte(raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.UserEmail)
		})
	}
}

func TestParseEvent_Invalid(t *testing.T) {
	_, err := ParseEvent([]byte(`{"platform":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler: decode event")

	_, err = ParseEvent([]byte(`{"filename":"w.csv"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "platform")

	_, err = ParseEvent([]byte(`{"platform":"Wurl","filename":"w.csv","userEmail":42}`))
	require.Error(t, err)
}

func TestParseEvent_RejectsMalformedRecipients(t *testing.T) {
	for _, value := range []string{
		`"ops@example.com\r\nBcc: x@evil.example"`,
		`["a@example.com", "b@example.com\nX-Injected: 1"]`,
		`"not an address"`,
	} {
		raw := `{"platform":"Wurl","filename":"w.csv","userEmail":` + value + `}`
		_, err := ParseEvent([]byte(raw))
		require.Error(t, err, value)
		assert.Contains(t, err.Error(), "handler: userEmail")
	}
}

func TestParseEvent_NormalisesNamedRecipient(t *testing.T) {
	b, err := ParseEvent([]byte(`{"platform":"Wurl","filename":"w.csv","userEmail":"Ops Team <ops@example.com>"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"ops@example.com"}, b.UserEmail)
}

func TestParseEvent_LegacyByDefault(t *testing.T) {
	b, err := ParseEvent([]byte(`{"platform":"Wurl","filename":"w.csv","jobType":"streamlit"}`))
	require.NoError(t, err)
	assert.Equal(t, model.RouteLegacy, b.Route())
}
