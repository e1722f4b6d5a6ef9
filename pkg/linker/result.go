package linker

import (
	"context"
	"errors"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/aggregator"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
)

// Status of a single window.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Reasons recorded for degraded and failed windows. ReasonNoMentions marks
// ok windows of a mention restricted document that were skipped.
const (
	ReasonNoMentions        = "no_mentions"
	ReasonNoCandidates      = "no_candidates"
	ReasonIndexUnavailable  = "index_unavailable"
	ReasonDimensionMismatch = "dimension_mismatch"
	ReasonEncoding          = "encoding"
	ReasonScoring           = "scoring"
	ReasonTimeout           = "timeout"
	ReasonCanceled          = "canceled"
	ReasonNotRun            = "not_run"
	ReasonError             = "error"
)

// WindowDiagnostic describes how a window was processed. Start and End are
// document token offsets.
type WindowDiagnostic struct {
	Index       int    `json:"index"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	Status      Status `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
	Candidates  int    `json:"candidates"`
	Annotations int    `json:"annotations"`
}

// Metrics summarizes a run.
type Metrics struct {
	Windows    int   `json:"windows"`
	OK         int   `json:"ok"`
	Degraded   int   `json:"degraded"`
	Failed     int   `json:"failed"`
	Entities   int   `json:"entities"`
	Relations  int   `json:"relations"`
	DurationMs int64 `json:"duration_ms"`
}

type Diagnostics struct {
	Windows []WindowDiagnostic           `json:"windows"`
	Dropped []aggregator.DroppedRelation `json:"dropped_relations,omitempty"`
	Metrics Metrics                      `json:"metrics"`
}

// Result of linking one document. Partial is set when the run was canceled
// and only the completed windows were aggregated.
type Result struct {
	DocID       string              `json:"doc_id"`
	RunID       string              `json:"run_id"`
	Annotations []common.Annotation `json:"annotations"`
	Diagnostics Diagnostics         `json:"diagnostics"`
	Partial     bool                `json:"partial,omitempty"`
}

// Degraded reports whether any window was not processed cleanly.
func (r *Result) Degraded() bool {
	return r.Diagnostics.Metrics.Degraded > 0 || r.Diagnostics.Metrics.Failed > 0
}

func reasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, common.ErrCanceled):
		return ReasonCanceled
	case errors.Is(err, common.ErrNoCandidates):
		return ReasonNoCandidates
	case errors.Is(err, common.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, common.ErrIndexUnavailable):
		return ReasonIndexUnavailable
	case errors.Is(err, common.ErrDimensionMismatch):
		return ReasonDimensionMismatch
	case errors.Is(err, common.ErrEncoding):
		return ReasonEncoding
	case errors.Is(err, common.ErrScoring):
		return ReasonScoring
	default:
		return ReasonError
	}
}
