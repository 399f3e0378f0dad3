package ratebook

import (
	"github.com/fencepro/scheduling-core/internal/model"
)

// Source tells whether a lookup found a configured row or fell back.
type Source string

const (
	Resolved  Source = "resolved"
	Defaulted Source = "defaulted"
)

// Resolution is the tagged result of a ratebook lookup. A Defaulted value is
// a configuration gap, never an error.
type Resolution[T any] struct {
	Value     T
	Source    Source
	MatchedBy string
}

// Defaulted reports whether the lookup fell back to a default.
func (r Resolution[T]) Defaulted() bool { return r.Source == Defaulted }

// Tag summarizes the resolution for a priced quote.
func (r Resolution[T]) Tag(name string) model.ResolutionTag {
	return model.ResolutionTag{Name: name, Source: string(r.Source), MatchedBy: r.MatchedBy}
}

func resolved[T any](v T, by string) Resolution[T] {
	return Resolution[T]{Value: v, Source: Resolved, MatchedBy: by}
}

func defaulted[T any](v T, by string) Resolution[T] {
	return Resolution[T]{Value: v, Source: Defaulted, MatchedBy: by}
}
