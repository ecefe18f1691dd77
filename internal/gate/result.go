// Package gate resolves the approval decision between two stages.
//
// A gate is resolved in one of three ways, chosen per transition by
// [EffectiveType]: auto (approve immediately), manual (block on a local
// prompt), or notify (dispatch to notification channels and wait for an
// answer, bounded by a mandatory timeout). A notify timeout never approves:
// it parks the run as Waiting so a later resume can ask again.
package gate

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the kind of decision a gate reached.
type Outcome int

const (
	Approved Outcome = iota
	Rejected
	Skip
	Waiting
	EditRequested
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	case Skip:
		return "skip"
	case Waiting:
		return "waiting"
	case EditRequested:
		return "edit_requested"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Resolution methods recorded on the gate state.
const (
	MethodAuto    = "auto"
	MethodManual  = "manual"
	MethodNotify  = "notify"
	MethodTimeout = "notify:timeout"
	MethodExiting = "notify:interrupted"
)

// Result is the decision of one gate check.
type Result struct {
	Outcome Outcome
	// Method records how the decision was reached, e.g. "manual" or
	// "notify:file".
	Method string
	// Message is the approval note, rejection reason, or why the gate is waiting.
	Message string
	// Extended is set when an operator asked to wait longer.
	Extended time.Duration
}

func approved(method, message string) Result {
	return Result{Outcome: Approved, Method: method, Message: message}
}

func rejected(method, reason string) Result {
	return Result{Outcome: Rejected, Method: method, Message: reason}
}

func skipped(method string) Result {
	return Result{Outcome: Skip, Method: method}
}

func waiting(method, message string, extended time.Duration) Result {
	return Result{Outcome: Waiting, Method: method, Message: message, Extended: extended}
}

func editRequested(method string) Result {
	return Result{Outcome: EditRequested, Method: method}
}

// Answer is an operator's reply at a manual gate, parsed once from text.
type Answer int

const (
	AnswerGo Answer = iota
	AnswerEdit
	AnswerWait
	AnswerStop
	AnswerSkip
)

// ParseAnswer parses a prompt reply. The first word selects the answer
// and the rest of the line is kept as a note (approval message or
// rejection reason). ok is false for anything unrecognised.
func ParseAnswer(line string) (a Answer, note string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, "", false
	}
	note = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
	switch strings.ToLower(fields[0]) {
	case "go", "y", "yes":
		return AnswerGo, note, true
	case "edit":
		return AnswerEdit, note, true
	case "wait":
		return AnswerWait, note, true
	case "stop", "n", "no":
		return AnswerStop, note, true
	case "skip":
		return AnswerSkip, note, true
	default:
		return 0, "", false
	}
}

// Result maps the answer to a gate result.
func (a Answer) Result(note string, waitExtension time.Duration) Result {
	switch a {
	case AnswerGo:
		return approved(MethodManual, note)
	case AnswerEdit:
		return editRequested(MethodManual)
	case AnswerWait:
		if note == "" {
			note = "operator asked to wait"
		}
		return waiting(MethodManual, note, waitExtension)
	case AnswerStop:
		if note == "" {
			note = "stopped by operator"
		}
		return rejected(MethodManual, note)
	case AnswerSkip:
		return skipped(MethodManual)
	default:
		panic(fmt.Sprintf("gate: unhandled answer %d", int(a)))
	}
}
