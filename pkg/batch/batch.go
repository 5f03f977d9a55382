package batch

import (
	"fmt"
	"unicode/utf8"

	"github.com/OFFIS-RIT/align/backend/pkg/common"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultBudget is the character budget used when none is configured.
const DefaultBudget = 50000

// SizeFunc measures how much of the budget an element consumes.
type SizeFunc func(e common.Element) int

// CharSize counts the runes of the element's label, content and category.
func CharSize(e common.Element) int {
	return utf8.RuneCountInString(e.Label) +
		utf8.RuneCountInString(e.Content) +
		utf8.RuneCountInString(e.Category)
}

type options struct {
	size SizeFunc
}

// Option configures Split.
type Option func(*options)

// WithSize replaces the size measure.
func WithSize(fn SizeFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.size = fn
		}
	}
}

// TokenSize returns a SizeFunc counting tokens of the named tiktoken encoding
// (e.g. "o200k_base").
func TokenSize(encoder string) (SizeFunc, error) {
	enc, err := tiktoken.GetEncoding(encoder)
	if err != nil {
		return nil, fmt.Errorf("failed to load token encoder %q: %w", encoder, err)
	}
	return func(e common.Element) int {
		return len(enc.Encode(e.Label, nil, nil)) +
			len(enc.Encode(e.Content, nil, nil)) +
			len(enc.Encode(e.Category, nil, nil))
	}, nil
}

// Split partitions elements into ordered, contiguous batches bounded by
// budget. Elements are accumulated greedily; a batch is closed as soon as the
// next element would exceed the budget. An element larger than the budget
// gets a batch of its own. Elements are never dropped, split or reordered.
//
// A budget <= 0 disables batching and returns a single batch.
func Split(elements []common.Element, budget int, opts ...Option) [][]common.Element {
	if len(elements) == 0 {
		return nil
	}

	o := options{size: CharSize}
	for _, opt := range opts {
		opt(&o)
	}

	sizes := make([]int, len(elements))
	total := 0
	for i, e := range elements {
		sizes[i] = o.size(e)
		total += sizes[i]
	}

	if budget <= 0 || total <= budget {
		return [][]common.Element{elements[:len(elements):len(elements)]}
	}

	batches := make([][]common.Element, 0, total/budget+1)
	start := 0
	current := 0
	for i := range elements {
		if i > start && current+sizes[i] > budget {
			batches = append(batches, elements[start:i:i])
			start = i
			current = 0
		}
		current += sizes[i]
	}
	batches = append(batches, elements[start:len(elements):len(elements)])

	return batches
}

// Sizes returns the measured size of each batch, in order.
func Sizes(batches [][]common.Element, opts ...Option) []int {
	o := options{size: CharSize}
	for _, opt := range opts {
		opt(&o)
	}

	out := make([]int, len(batches))
	for i, b := range batches {
		for _, e := range b {
			out[i] += o.size(e)
		}
	}
	return out
}
