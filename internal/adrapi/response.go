package adrapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Shape identifies which of the vendor's response forms was received.
type Shape int

const (
	ShapeEmpty Shape = iota
	ShapeObject
	ShapeArray
	ShapeNumeric
	ShapeText
)

func (s Shape) String() string {
	switch s {
	case ShapeObject:
		return "object"
	case ShapeArray:
		return "array"
	case ShapeNumeric:
		return "numeric"
	case ShapeText:
		return "text"
	}
	return "empty"
}

// Status is one status record returned by the vendor.
type Status struct {
	StatusID          int    `json:"StatusId"`
	StatusDescription string `json:"StatusDescription"`
	IndexID           *int64 `json:"IndexId"`
	IsError           bool   `json:"IsError"`
	IsFinal           bool   `json:"IsFinal"`
}

// Response is the decoded vendor response. Exactly one of Statuses, ID or
// Text is meaningful, selected by Shape.
type Response struct {
	Shape    Shape
	Statuses []Status
	ID       int64
	Text     string
}

// Outcome is how the orchestrator should treat a response.
type Outcome int

const (
	// OutcomeAccepted means the request was taken but has not finished.
	OutcomeAccepted Outcome = iota
	// OutcomeSucceeded means the vendor reported a final, successful result.
	OutcomeSucceeded
	// OutcomeFailed means the vendor reported a final error.
	OutcomeFailed
	// OutcomeError means the vendor reported a non-final error worth retrying.
	OutcomeError
	// OutcomeAmbiguous means the response could not be interpreted.
	OutcomeAmbiguous
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeError:
		return "error"
	}
	return "ambiguous"
}

// ParseResponse decodes body trying each shape once in a fixed order:
// object, array, bare number, bare text.
func ParseResponse(body []byte) Response {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Response{Shape: ShapeEmpty}
	}

	if trimmed[0] == '{' {
		var st Status
		if err := json.Unmarshal(trimmed, &st); err == nil {
			return Response{Shape: ShapeObject, Statuses: []Status{st}}
		}
	}

	if trimmed[0] == '[' {
		var list []Status
		if err := json.Unmarshal(trimmed, &list); err == nil {
			return Response{Shape: ShapeArray, Statuses: list}
		}
	}

	text := strings.Trim(string(trimmed), `"`)
	if id, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64); err == nil {
		return Response{Shape: ShapeNumeric, ID: id}
	}

	return Response{Shape: ShapeText, Text: string(trimmed)}
}

// Primary returns the status record that decides the outcome: the first
// final record, otherwise the last record.
func (r Response) Primary() (Status, bool) {
	if len(r.Statuses) == 0 {
		return Status{}, false
	}
	for _, st := range r.Statuses {
		if st.IsFinal {
			return st, true
		}
	}
	return r.Statuses[len(r.Statuses)-1], true
}

// Outcome classifies the response.
func (r Response) Outcome() Outcome {
	switch r.Shape {
	case ShapeObject, ShapeArray:
		st, ok := r.Primary()
		if !ok {
			return OutcomeAmbiguous
		}
		switch {
		case st.IsError && st.IsFinal:
			return OutcomeFailed
		case st.IsError:
			return OutcomeError
		case st.IsFinal:
			return OutcomeSucceeded
		}
		return OutcomeAccepted
	case ShapeNumeric:
		return OutcomeAccepted
	}
	return OutcomeAmbiguous
}

// Description returns a human readable summary for job and execution rows.
func (r Response) Description() string {
	switch r.Shape {
	case ShapeObject, ShapeArray:
		if st, ok := r.Primary(); ok {
			return st.StatusDescription
		}
	case ShapeNumeric:
		return "accepted as request " + strconv.FormatInt(r.ID, 10)
	case ShapeText:
		return r.Text
	}
	return ""
}
