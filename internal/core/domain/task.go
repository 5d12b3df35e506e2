package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DataKind names one category of upstream data (e.g. "quote", "income-statement").
type DataKind struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"` // path relative to the API base URL, "{entity}" is substituted
	Period   string `yaml:"period"`   // optional, e.g. "annual" or "quarter"
}

// Task is one unit of ingestion work: fetch one data kind for one entity.
type Task struct {
	Entity string
	Kind   DataKind
	From   time.Time
	To     time.Time
}

// Operation returns the name used for circuit breaking and failed-job keys.
func (t Task) Operation() string {
	return "fetch:" + t.Kind.Name
}

// Payload returns the replayable description of the task.
func (t Task) Payload() Payload {
	p := Payload{
		"entity": t.Entity,
		"kind":   t.Kind.Name,
	}
	if !t.From.IsZero() {
		p["from"] = t.From.Format(DateLayout)
	}
	if !t.To.IsZero() {
		p["to"] = t.To.Format(DateLayout)
	}
	return p
}

func (t Task) String() string {
	return fmt.Sprintf("%s/%s", t.Entity, t.Kind.Name)
}

// DateLayout is the date format used by the upstream API.
const DateLayout = "2006-01-02"

// Record is one upstream row as stored by the sink.
// The natural key is (Entity, Kind, Timestamp, Period).
type Record struct {
	Entity    string          `db:"entity"`
	Kind      string          `db:"kind"`
	Timestamp time.Time       `db:"ts"`
	Period    string          `db:"period"`
	Payload   json.RawMessage `db:"payload"`
}
