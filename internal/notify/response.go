package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ResponseKind is the answer carried by a Response.
type ResponseKind string

const (
	ResponseApprove ResponseKind = "approve"
	ResponseReject  ResponseKind = "reject"
	ResponseEdit    ResponseKind = "edit"
	ResponseSkip    ResponseKind = "skip"
	ResponseExtend  ResponseKind = "extend"
)

// ParseResponseKind parses an action name as typed on the command line.
func ParseResponseKind(s string) (ResponseKind, error) {
	switch k := ResponseKind(strings.ToLower(strings.TrimSpace(s))); k {
	case ResponseApprove, ResponseReject, ResponseEdit, ResponseSkip, ResponseExtend:
		return k, nil
	default:
		return "", fmt.Errorf("unknown response %q: must be one of approve, reject, edit, skip, extend", s)
	}
}

// Response is a human's answer to a notification. Source names the channel
// (or CLI) that produced it and is recorded on the gate for audit.
type Response struct {
	Kind   ResponseKind
	Source string
	// Message is the approval note or the rejection reason.
	Message string
	// Extend is how much longer to wait; only meaningful for ResponseExtend.
	Extend time.Duration

	ack chan struct{}
}

// Ack tells the channel that delivered r that the gate has taken it. A
// channel holding the response on disk removes it only then. The gate calls
// Ack once for every response it reads.
func (r Response) Ack() {
	if r.ack != nil {
		close(r.ack)
	}
}

// Approve builds an approval.
func Approve(source, message string) Response {
	return Response{Kind: ResponseApprove, Source: source, Message: message}
}

// Reject builds a rejection.
func Reject(source, reason string) Response {
	return Response{Kind: ResponseReject, Source: source, Message: reason}
}

// Edit asks to stop and revise before continuing.
func Edit(source string) Response {
	return Response{Kind: ResponseEdit, Source: source}
}

// Skip skips the next stage.
func Skip(source string) Response {
	return Response{Kind: ResponseSkip, Source: source}
}

// ExtendTimeout pushes the gate deadline out by d.
func ExtendTimeout(source string, d time.Duration) Response {
	return Response{Kind: ResponseExtend, Source: source, Extend: d}
}

// responseFile is the on-disk form written by `stageflow respond`.
type responseFile struct {
	Action    string    `json:"action"`
	Source    string    `json:"source,omitempty"`
	Message   string    `json:"message,omitempty"`
	Duration  string    `json:"duration,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (r Response) marshal() ([]byte, error) {
	f := responseFile{
		Action:    string(r.Kind),
		Source:    r.Source,
		Message:   r.Message,
		CreatedAt: time.Now().UTC(),
	}
	if r.Kind == ResponseExtend {
		f.Duration = r.Extend.String()
	}
	return json.MarshalIndent(f, "", "  ")
}

func parseResponse(data []byte, defaultSource string) (Response, error) {
	var f responseFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Response{}, fmt.Errorf("invalid response file: %w", err)
	}
	kind, err := ParseResponseKind(f.Action)
	if err != nil {
		return Response{}, err
	}
	r := Response{Kind: kind, Source: f.Source, Message: f.Message}
	if r.Source == "" {
		r.Source = defaultSource
	}
	if kind == ResponseExtend {
		d, err := time.ParseDuration(f.Duration)
		if err != nil || d <= 0 {
			return Response{}, fmt.Errorf("extend response needs a positive duration, got %q", f.Duration)
		}
		r.Extend = d
	}
	return r, nil
}
