package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

// State is the scheduling state of one node.
type State int32

const (
	Pending State = iota
	Ready
	Dispatched
	Building
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Dispatched:
		return "dispatched"
	case Building:
		return "building"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether s is Succeeded or Failed.
func (s State) Terminal() bool { return s == Succeeded || s == Failed }

// Result aggregates one Build call.
type Result struct {
	Total     int
	Succeeded int
	Failed    int
	// Dispatched counts builds handed to a worker, retries included.
	Dispatched int
	// UpToDate counts nodes whose recorded hash matched.
	UpToDate  int
	CacheHits int
	// FailedNodes lists the output paths of failed nodes.
	FailedNodes []string
	Cancelled   bool
	Duration    time.Duration
}

// OK reports whether every node succeeded and the run was not cancelled.
func (r *Result) OK() bool { return r.Failed == 0 && !r.Cancelled }

// Summary renders a one-paragraph report.
func (r *Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d succeeded, %d failed (%d built, %d up to date, %d from cache) in %s",
		r.Succeeded, r.Failed, r.Dispatched, r.UpToDate, r.CacheHits, r.Duration.Round(time.Millisecond))
	if r.Cancelled {
		b.WriteString(", cancelled")
	}
	if len(r.FailedNodes) > 0 {
		b.WriteString("\nfailed: ")
		b.WriteString(strings.Join(r.FailedNodes, ", "))
	}
	return b.String()
}
