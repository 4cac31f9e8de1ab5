package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/template"
	"time"

	"github.com/FranksOps/bazaar/internal/checkpoint"
)

// JobStatus is one crawl job's persisted progress, read back from its
// checkpoint.
type JobStatus struct {
	Source     string    `json:"source"`
	Job        string    `json:"job"`
	LastID     int64     `json:"last_id,omitempty"`
	Processed  int64     `json:"processed"`
	Found      int64     `json:"found"`
	Discovered int64     `json:"discovered,omitempty"`
	Errors     int64     `json:"errors"`
	Cycles     int64     `json:"cycles"`
	SeenCount  int64     `json:"seen_count"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
	Missing    bool      `json:"missing,omitempty"`
}

// Collect reads the checkpoint of every scope. Scopes with no saved state
// come back flagged Missing rather than dropped, so the report always shows
// the full job list.
func Collect(ctx context.Context, store checkpoint.Store, scopes []checkpoint.Scope) ([]JobStatus, error) {
	statuses := make([]JobStatus, 0, len(scopes))
	for _, scope := range scopes {
		st := JobStatus{Source: scope.Source, Job: scope.Job}

		state, err := store.Load(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", scope.Key(), err)
		}
		if state == nil {
			st.Missing = true
			statuses = append(statuses, st)
			continue
		}

		st.LastID, _ = state.Int64("last_id")
		st.Processed, _ = state.Int64("processed")
		st.Found, _ = state.Int64("found")
		st.Discovered, _ = state.Int64("discovered")
		st.Errors, _ = state.Int64("errors")
		st.Cycles, _ = state.Int64("cycles")
		if raw := state.String("updated_at"); raw != "" {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				st.UpdatedAt = ts
			}
		}

		if n, err := store.SeenCount(ctx, scope); err == nil {
			st.SeenCount = n
		}

		statuses = append(statuses, st)
	}
	return statuses, nil
}

// WriteJSON writes the statuses as indented JSON.
func WriteJSON(w io.Writer, statuses []JobStatus) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(statuses); err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return nil
}

const textTmpl = `Crawl Status
------------
{{- range . }}
{{ .Source }}/{{ .Job }}:
{{- if .Missing }}
  no checkpoint
{{- else }}
  last id:    {{ .LastID }}
  processed:  {{ .Processed }}
  found:      {{ .Found }}{{ if .Discovered }} (discovered: {{ .Discovered }}){{ end }}
  errors:     {{ .Errors }}
  cycles:     {{ .Cycles }}
  seen ids:   {{ .SeenCount }}
  updated:    {{ if .UpdatedAt.IsZero }}never{{ else }}{{ .UpdatedAt.Format "2006-01-02 15:04:05" }}{{ end }}
{{- end }}
{{- end }}
`

// WriteText writes a human-readable status listing.
func WriteText(w io.Writer, statuses []JobStatus) error {
	tmpl, err := template.New("status").Parse(textTmpl)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	if err := tmpl.Execute(w, statuses); err != nil {
		return fmt.Errorf("render status: %w", err)
	}
	return nil
}
