// Package merge validates oracle-proposed merge groups and applies them to the
// concept list by tombstoning, round by round.
package merge

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle"
)

// ErrConservationViolation means a round lost or duplicated element
// references. It always indicates a defect.
var ErrConservationViolation = errors.New("element conservation violated")

// Rejection records a proposed group that was not merged.
type Rejection struct {
	Group     int      `json:"group"`
	SourceIDs []string `json:"source_ids"`
	Reason    string   `json:"reason"`
}

// DroppedRef is a single id removed from an otherwise accepted group.
type DroppedRef struct {
	Group  int              `json:"group"`
	ID     common.ConceptID `json:"id"`
	Reason string           `json:"reason"`
}

// RoundResult is the outcome of one merge round.
type RoundResult struct {
	Round int `json:"round"`
	// Concepts is the complete list: every prior concept, tombstones
	// included, followed by the concepts minted in this round.
	Concepts []common.Concept       `json:"-"`
	Log      []common.MergeLogEntry `json:"log"`
	Rejected []Rejection            `json:"rejected,omitempty"`
	Dropped  []DroppedRef           `json:"dropped,omitempty"`
	// NextID is the next unused value of the id counter.
	NextID       int               `json:"next_id"`
	Skipped      bool              `json:"skipped,omitempty"`
	Conservation ConservationCheck `json:"conservation"`
}

// Accepted returns the number of merges applied in the round.
func (r RoundResult) Accepted() int {
	return len(r.Log)
}

// Apply validates proposals against concepts and applies the accepted groups.
// It never mutates its input.
//
// An id must name an active concept and may be claimed by only one group per
// round; the first group wins. Duplicate ids inside a group collapse. Groups
// left with fewer than two members are rejected and claim nothing. Each
// accepted group mints one concept whose element ids are the concatenation of
// its members' ids, and every member is remapped to it.
func Apply(
	concepts []common.Concept,
	proposals []oracle.MergeGroup,
	round int,
	nextID int,
) (RoundResult, error) {
	out := make([]common.Concept, len(concepts), len(concepts)+len(proposals))
	copy(out, concepts)

	index := make(map[common.ConceptID]int, len(out))
	for i := range out {
		index[out[i].ID] = i
	}

	result := RoundResult{Round: round}
	claimed := make(map[common.ConceptID]int)

	for gi, p := range proposals {
		members := make([]int, 0, len(p.SourceIDs))
		var dropped []DroppedRef
		inGroup := make(map[common.ConceptID]struct{}, len(p.SourceIDs))

		for _, raw := range p.SourceIDs {
			id := common.ConceptID(strings.TrimSpace(raw))
			if _, dup := inGroup[id]; dup {
				continue
			}
			inGroup[id] = struct{}{}

			idx, ok := index[id]
			switch {
			case !ok:
				dropped = append(dropped, DroppedRef{Group: gi, ID: id, Reason: "unknown concept"})
				continue
			case !out[idx].IsActive():
				dropped = append(dropped, DroppedRef{Group: gi, ID: id, Reason: "concept is not active"})
				continue
			}
			if owner, taken := claimed[id]; taken {
				dropped = append(dropped, DroppedRef{
					Group:  gi,
					ID:     id,
					Reason: fmt.Sprintf("already merged by group %d", owner),
				})
				continue
			}
			members = append(members, idx)
		}
		result.Dropped = append(result.Dropped, dropped...)

		if len(members) < 2 {
			result.Rejected = append(result.Rejected, Rejection{
				Group:     gi,
				SourceIDs: p.SourceIDs,
				Reason:    fmt.Sprintf("only %d valid member(s)", len(members)),
			})
			continue
		}

		merged := common.Concept{
			ID:     common.NewConceptID(nextID),
			Origin: common.OriginMerged,
			D1IDs:  []string{},
			D2IDs:  []string{},
		}
		nextID++

		entry := common.MergeLogEntry{Round: round, ToID: merged.ID}
		labels := make([]string, 0, len(members))
		descriptions := make([]string, 0, len(members))
		for _, idx := range members {
			src := out[idx]
			claimed[src.ID] = gi
			merged.D1IDs = append(merged.D1IDs, src.D1IDs...)
			merged.D2IDs = append(merged.D2IDs, src.D2IDs...)
			labels = append(labels, src.Label)
			if src.Description != "" {
				descriptions = append(descriptions, src.Description)
			}
			entry.FromIDs = append(entry.FromIDs, src.ID)
			entry.FromLabels = append(entry.FromLabels, src.Label)
		}

		merged.Label = p.MergedLabel
		if merged.Label == "" {
			merged.Label = strings.Join(labels, " / ")
		}
		merged.Description = p.MergedDescription
		if merged.Description == "" {
			merged.Description = strings.Join(descriptions, " ")
		}
		entry.ToLabel = merged.Label

		for _, idx := range members {
			out[idx].RemappedTo = merged.ID
		}
		out = append(out, merged)
		result.Log = append(result.Log, entry)
	}

	result.Concepts = out
	result.NextID = nextID

	check, err := CheckConservation(concepts, out)
	check.Round = round
	result.Conservation = check
	if err != nil {
		logger.Error("[Merge] Conservation violated", "round", round, "missing", check.Missing, "extra", check.Extra)
		return result, fmt.Errorf("round %d: %w", round, err)
	}
	return result, nil
}

// ConservationCheck is the outcome of comparing the element multiset of the
// active concepts before and after a round.
type ConservationCheck struct {
	Round   int      `json:"round"`
	D1Count int      `json:"d1_count"`
	D2Count int      `json:"d2_count"`
	OK      bool     `json:"ok"`
	Missing []string `json:"missing,omitempty"`
	Extra   []string `json:"extra,omitempty"`
}

// Multiset counts (dataset, element id) pairs.
type Multiset map[string]int

func multisetKey(d common.Dataset, id string) string {
	return string(d) + ":" + id
}

// ActiveMultiset returns the element references of all active concepts.
func ActiveMultiset(concepts []common.Concept) Multiset {
	m := make(Multiset)
	for _, c := range concepts {
		if !c.IsActive() {
			continue
		}
		for _, id := range c.D1IDs {
			m[multisetKey(common.DatasetD1, id)]++
		}
		for _, id := range c.D2IDs {
			m[multisetKey(common.DatasetD2, id)]++
		}
	}
	return m
}

func (m Multiset) count(d common.Dataset) int {
	prefix := string(d) + ":"
	n := 0
	for k, v := range m {
		if strings.HasPrefix(k, prefix) {
			n += v
		}
	}
	return n
}

// CheckConservation compares the active element multisets of before and after.
// A mismatch is returned as ErrConservationViolation together with the diff.
func CheckConservation(before, after []common.Concept) (ConservationCheck, error) {
	b := ActiveMultiset(before)
	a := ActiveMultiset(after)

	check := ConservationCheck{
		D1Count: a.count(common.DatasetD1),
		D2Count: a.count(common.DatasetD2),
	}
	for k, n := range b {
		if diff := n - a[k]; diff > 0 {
			check.Missing = append(check.Missing, fmt.Sprintf("%s x%d", k, diff))
		}
	}
	for k, n := range a {
		if diff := n - b[k]; diff > 0 {
			check.Extra = append(check.Extra, fmt.Sprintf("%s x%d", k, diff))
		}
	}
	sort.Strings(check.Missing)
	sort.Strings(check.Extra)

	if len(check.Missing) > 0 || len(check.Extra) > 0 {
		return check, fmt.Errorf("%w: missing %v, extra %v", ErrConservationViolation, check.Missing, check.Extra)
	}
	check.OK = true
	return check, nil
}
