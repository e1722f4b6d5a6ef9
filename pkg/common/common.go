package common

import (
	"fmt"
	"strings"
)

// Kind tags a candidate or annotation as either an entity or a relation.
// Every consumer switches over both values explicitly.
type Kind uint8

const (
	KindEntity Kind = iota + 1
	KindRelation
)

// String returns the textual form used in configuration and JSON output.
func (k Kind) String() string {
	switch k {
	case KindEntity:
		return "entity"
	case KindRelation:
		return "relation"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind converts "entity" or "relation" into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entity", "":
		return KindEntity, nil
	case "relation":
		return KindRelation, nil
	default:
		return 0, fmt.Errorf("unknown candidate kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindEntity, KindRelation:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("invalid kind %d", uint8(k))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Token is a single token of a document. Start and End are byte offsets into
// the document text, End exclusive.
type Token struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Document is the immutable input of a linking run.
//
// Tokens must be ordered by offset. Topic is handed to the model together
// with every window of the document. Mentions optionally restricts span
// enumeration to known mention boundaries in document token coordinates.
type Document struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Tokens   []Token `json:"tokens"`
	Topic    string  `json:"topic,omitempty"`
	Mentions []Span  `json:"mentions,omitempty"`
}

// Tokenizer splits text into tokens carrying byte offsets.
type Tokenizer interface {
	Tokenize(text string) []Token
}

// NewDocument tokenizes text. The topic defaults to the first token.
func NewDocument(id, text string, tokenizer Tokenizer) *Document {
	doc := &Document{ID: id, Text: text, Tokens: tokenizer.Tokenize(text)}
	if len(doc.Tokens) > 0 {
		doc.Topic = doc.Tokens[0].Text
	}
	return doc
}

// Len returns the number of tokens in the document.
func (d *Document) Len() int {
	return len(d.Tokens)
}

// Candidate is a knowledge-base entry an annotation can point to. Candidates
// are owned by the candidate index and never mutated after the index is
// built.
type Candidate struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Embedding    []float32 `json:"embedding,omitempty"`
	SurfaceForms []string  `json:"surface_forms,omitempty"`
	Description  string    `json:"description,omitempty"`
}

// Text returns the text used to represent the candidate towards a model:
// the first surface form followed by the description.
func (c *Candidate) Text() string {
	var b strings.Builder
	if len(c.SurfaceForms) > 0 {
		b.WriteString(c.SurfaceForms[0])
	} else {
		b.WriteString(c.ID)
	}
	if c.Description != "" {
		b.WriteString(": ")
		b.WriteString(c.Description)
	}
	return b.String()
}

// Span is a half open token range [Start, End).
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Valid reports whether the span is non-empty and non-negative.
func (s Span) Valid() bool {
	return s.Start >= 0 && s.Start < s.End
}

// Len returns the number of tokens covered by the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// Overlaps reports whether two spans share at least one token index.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Contains reports whether o lies completely inside s.
func (s Span) Contains(o Span) bool {
	return s.Start <= o.Start && o.End <= s.End
}

// Shift moves the span by delta tokens.
func (s Span) Shift(delta int) Span {
	return Span{Start: s.Start + delta, End: s.End + delta}
}

func (s Span) String() string {
	return fmt.Sprintf("[%d,%d)", s.Start, s.End)
}

// Cover returns the smallest span containing both a and b.
func Cover(a, b Span) Span {
	return Span{Start: min(a.Start, b.Start), End: max(a.End, b.End)}
}

// ScoredCandidate is a non-owning reference to a candidate in a retrieval
// result.
type ScoredCandidate struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// RetrievalResult is ordered by descending score, ties broken by id
// ascending. Position in the slice is the rank.
type RetrievalResult []ScoredCandidate

// IDs returns the candidate ids in rank order.
func (r RetrievalResult) IDs() []string {
	ids := make([]string, len(r))
	for i, c := range r {
		ids[i] = c.ID
	}
	return ids
}

// EntityRef identifies an entity annotation by its span and candidate.
type EntityRef struct {
	Span        Span   `json:"span"`
	CandidateID string `json:"candidate_id"`
}

// Annotation is a resolved assignment of a candidate to a span.
//
// For relation annotations Subject and Object point to the two entity
// annotations the relation connects and Span covers both of them.
type Annotation struct {
	Kind        Kind       `json:"kind"`
	Span        Span       `json:"span"`
	CandidateID string     `json:"candidate_id"`
	Score       float64    `json:"score"`
	WindowIndex int        `json:"window"`
	Subject     *EntityRef `json:"subject,omitempty"`
	Object      *EntityRef `json:"object,omitempty"`
}

// IsEntity reports whether the annotation links a mention.
func (a *Annotation) IsEntity() bool {
	return a.Kind == KindEntity
}

// IsRelation reports whether the annotation links two entity annotations.
func (a *Annotation) IsRelation() bool {
	return a.Kind == KindRelation
}

// Ref returns the reference other annotations use to point to a.
func (a *Annotation) Ref() EntityRef {
	return EntityRef{Span: a.Span, CandidateID: a.CandidateID}
}

// NewRelation builds a relation annotation between two entity annotations.
func NewRelation(subject, object *Annotation, candidateID string, score float64, window int) Annotation {
	s := subject.Ref()
	o := object.Ref()
	return Annotation{
		Kind:        KindRelation,
		Span:        Cover(s.Span, o.Span),
		CandidateID: candidateID,
		Score:       score,
		WindowIndex: window,
		Subject:     &s,
		Object:      &o,
	}
}
