// Package window splits documents into overlapping token windows and maps
// window-local positions back to the document.
package window

import (
	"fmt"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
)

// Window is a contiguous range [Start, End) of document tokens.
//
// Spans produced for a window are window-local: token 0 is the document
// token at Start. Tokens keep their document byte offsets.
type Window struct {
	DocID      string
	Index      int
	Start      int
	End        int
	Tokens     []common.Token
	Text       string
	CharOffset int
	Topic      string
	Mentions   []common.Span
	// Restricted is set when the document carries mentions. Such a window
	// only considers its own Mentions, possibly none.
	Restricted bool
}

// Blank reports whether the window has nothing to read: the document is
// restricted to mentions and none of them lies inside the window.
func (w *Window) Blank() bool {
	return w.Restricted && len(w.Mentions) == 0
}

// Len returns the number of tokens in the window.
func (w *Window) Len() int {
	return w.End - w.Start
}

// ToDocument maps a window-local token index to a document token index.
func (w *Window) ToDocument(local int) int {
	return w.Start + local
}

// ProjectSpan maps a window-local span to document token coordinates.
func (w *Window) ProjectSpan(s common.Span) common.Span {
	return s.Shift(w.Start)
}

// CharRange returns the document byte range covered by a window-local span.
func (w *Window) CharRange(s common.Span) (int, int) {
	if !s.Valid() || s.End > len(w.Tokens) {
		return 0, 0
	}
	return w.Tokens[s.Start].Start, w.Tokens[s.End-1].End
}

// SpanText returns the text covered by a window-local span.
func (w *Window) SpanText(s common.Span) string {
	start, end := w.CharRange(s)
	if end <= start {
		return ""
	}
	return w.Text[start-w.CharOffset : end-w.CharOffset]
}

// Contains reports whether the document span lies inside the window.
func (w *Window) Contains(doc common.Span) bool {
	return w.Start <= doc.Start && doc.End <= w.End
}

// Split cuts doc into windows of at most maxLength tokens starting at
// multiples of stride. The last window ends at the end of the document and
// every token belongs to at least one window.
func Split(doc *common.Document, maxLength, stride int) ([]Window, error) {
	if maxLength <= 0 || stride <= 0 || stride >= maxLength {
		return nil, fmt.Errorf("%w: max_length=%d stride=%d", common.ErrInvalidWindowConfig, maxLength, stride)
	}

	n := doc.Len()
	if n == 0 {
		return nil, nil
	}

	topic := doc.Topic
	if topic == "" {
		topic = doc.Tokens[0].Text
	}

	windows := make([]Window, 0, (n+stride-1)/stride)
	for start := 0; ; start += stride {
		end := min(start+maxLength, n)
		tokens := doc.Tokens[start:end]
		charStart, charEnd := tokens[0].Start, tokens[len(tokens)-1].End
		w := Window{
			DocID:      doc.ID,
			Index:      len(windows),
			Start:      start,
			End:        end,
			Tokens:     tokens,
			Text:       doc.Text[charStart:charEnd],
			CharOffset: charStart,
			Topic:      topic,
			Restricted: len(doc.Mentions) > 0,
		}
		for _, m := range doc.Mentions {
			if m.Valid() && w.Contains(m) {
				w.Mentions = append(w.Mentions, m.Shift(-start))
			}
		}
		windows = append(windows, w)
		if end == n {
			break
		}
	}
	return windows, nil
}

// ProjectAnnotation maps a window-local annotation, including relation
// endpoints, to document coordinates.
func ProjectAnnotation(w *Window, a common.Annotation) common.Annotation {
	out := a
	out.Span = w.ProjectSpan(a.Span)
	out.WindowIndex = w.Index
	switch a.Kind {
	case common.KindEntity:
	case common.KindRelation:
		if a.Subject != nil {
			s := common.EntityRef{Span: w.ProjectSpan(a.Subject.Span), CandidateID: a.Subject.CandidateID}
			out.Subject = &s
		}
		if a.Object != nil {
			o := common.EntityRef{Span: w.ProjectSpan(a.Object.Span), CandidateID: a.Object.CandidateID}
			out.Object = &o
		}
	}
	return out
}

// Spans enumerates the window-local spans a reader considers: the window
// mentions of a restricted window, otherwise every span of at most
// maxLength tokens ordered by start and end.
func (w *Window) Spans(maxLength int) []common.Span {
	if w.Restricted || len(w.Mentions) > 0 {
		if len(w.Mentions) == 0 {
			return nil
		}
		out := make([]common.Span, len(w.Mentions))
		copy(out, w.Mentions)
		return out
	}
	n := w.Len()
	if maxLength <= 0 || n == 0 {
		return nil
	}
	out := make([]common.Span, 0, n*min(maxLength, n))
	for start := 0; start < n; start++ {
		for end := start + 1; end <= min(start+maxLength, n); end++ {
			out = append(out, common.Span{Start: start, End: end})
		}
	}
	return out
}
