package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/apierror"
	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
)

var timestampLayouts = []string{
	domain.DateLayout,
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseRecords turns an upstream response body into records for one task.
// The body is a JSON array of objects, a single object, or an object that
// wraps its rows in a "historical" array. Every row must carry a "date".
func ParseRecords(task domain.Task, body []byte) ([]domain.Record, error) {
	rows, err := splitRows(bytes.TrimSpace(body))
	if err != nil {
		return nil, apierror.Wrap(apierror.KindValidationFailure, fmt.Errorf("%s: %w", task, err))
	}

	records := make([]domain.Record, 0, len(rows))
	for i, raw := range rows {
		var head struct {
			Date   string `json:"date"`
			Period string `json:"period"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, apierror.Wrap(apierror.KindValidationFailure,
				fmt.Errorf("%s: row %d: %w", task, i, err))
		}
		if head.Date == "" {
			return nil, apierror.New(apierror.KindValidationFailure, "%s: row %d has no date", task, i)
		}
		ts, err := parseTimestamp(head.Date)
		if err != nil {
			return nil, apierror.Wrap(apierror.KindValidationFailure, fmt.Errorf("%s: row %d: %w", task, i, err))
		}

		period := head.Period
		if period == "" {
			period = task.Kind.Period
		}
		records = append(records, domain.Record{
			Entity:    task.Entity,
			Kind:      task.Kind.Name,
			Timestamp: ts,
			Period:    period,
			Payload:   json.RawMessage(raw),
		})
	}
	return records, nil
}

func splitRows(body []byte) ([]json.RawMessage, error) {
	if len(body) == 0 {
		return nil, nil
	}

	switch body[0] {
	case '[':
		var rows []json.RawMessage
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("decode array: %w", err)
		}
		return rows, nil
	case '{':
		var wrapped struct {
			Historical []json.RawMessage `json:"historical"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("decode object: %w", err)
		}
		if wrapped.Historical != nil {
			return wrapped.Historical, nil
		}
		// Empty object means no data for this entity.
		if string(bytes.Join(bytes.Fields(body), nil)) == "{}" {
			return nil, nil
		}
		return []json.RawMessage{json.RawMessage(body)}, nil
	default:
		return nil, fmt.Errorf("unexpected response body %.40q", body)
	}
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
