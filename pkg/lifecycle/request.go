package lifecycle

import (
	"net/url"
	"strings"
	"time"

	"loadgate/pkg/model"
	"loadgate/pkg/store"
)

// timeLayouts are the accepted start_time/end_time formats. Layouts without
// a zone are read as UTC.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// SubmitRequest is the client payload of a submission. The owner is always
// the authenticated caller, so OwnerID and UserID must be absent.
type SubmitRequest struct {
	TargetURL string  `json:"target_url"`
	NumUsers  int     `json:"num_users"`
	RampUp    int     `json:"ramp_up"`
	StartTime string  `json:"start_time"`
	EndTime   string  `json:"end_time"`
	OwnerID   *string `json:"owner_id,omitempty"`
	UserID    *string `json:"user_id,omitempty"`
}

type submitParams struct {
	TargetURL string
	NumUsers  int
	RampUp    int
	StartTime time.Time
	EndTime   time.Time
}

func (r SubmitRequest) validate(now time.Time, grace time.Duration) (submitParams, error) {
	if r.OwnerID != nil {
		return submitParams{}, model.Invalid("owner_id", "must not be supplied")
	}
	if r.UserID != nil {
		return submitParams{}, model.Invalid("user_id", "must not be supplied")
	}
	target := strings.TrimSpace(r.TargetURL)
	if err := validateTargetURL(target); err != nil {
		return submitParams{}, err
	}
	if r.NumUsers <= 0 {
		return submitParams{}, model.Invalid("num_users", "must be a positive integer")
	}
	if r.RampUp < 0 {
		return submitParams{}, model.Invalid("ramp_up", "must not be negative")
	}
	start, err := ParseTime(r.StartTime)
	if err != nil {
		return submitParams{}, model.Invalid("start_time", "must be an RFC3339 timestamp")
	}
	end, err := ParseTime(r.EndTime)
	if err != nil {
		return submitParams{}, model.Invalid("end_time", "must be an RFC3339 timestamp")
	}
	if !start.Before(end) {
		return submitParams{}, model.Invalid("end_time", "must be after start_time")
	}
	if start.Before(now.Add(-grace)) {
		return submitParams{}, model.Invalid("start_time", "is in the past")
	}
	return submitParams{
		TargetURL: target,
		NumUsers:  r.NumUsers,
		RampUp:    r.RampUp,
		StartTime: start,
		EndTime:   end,
	}, nil
}

func validateTargetURL(raw string) error {
	if raw == "" {
		return model.Invalid("target_url", "is required")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return model.Invalid("target_url", "must be a well-formed http or https URL")
	}
	return nil
}

// ParseTime reads s in any accepted layout and returns it in UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// ListQuery is the client-facing filter of List.
type ListQuery struct {
	Status string
	Sort   string
}

func (q ListQuery) filter() (store.ListFilter, error) {
	var f store.ListFilter
	switch q.Status {
	case "", "all":
	default:
		s := model.Status(q.Status)
		if !s.Valid() {
			return f, model.Invalid("status", "unknown status %q", q.Status)
		}
		f.Status = s
	}
	switch store.SortKey(q.Sort) {
	case "", store.SortSubmitted:
		f.Sort = store.SortSubmitted
	case store.SortStartTime:
		f.Sort = store.SortStartTime
	default:
		return f, model.Invalid("sort", "must be submitted or start_time")
	}
	return f, nil
}
