package merge

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy configures one merge round. Rounds run loose to tight.
type Policy struct {
	Round    int    `yaml:"round" json:"round"`
	Name     string `yaml:"name" json:"name"`
	Guidance string `yaml:"guidance" json:"guidance"`
	// TargetCount is the concept count to aim for; 0 means no target.
	TargetCount int `yaml:"target_count" json:"target_count"`
}

const (
	guidanceNearDuplicate = "Only merge concepts that are near duplicates: the same theme phrased differently, " +
		"synonyms, or one concept being a restatement of another. Leave related but distinct concepts apart."
	guidanceThematic = "Group concepts that belong to the same theme or capability, even if they cover " +
		"different aspects of it. Keep concepts from unrelated areas apart."
	guidanceConsolidate = "Consolidate aggressively into a small set of broad concepts. Every remaining concept " +
		"should be a top level area."
)

// DefaultPolicies returns the built-in three round progression. target is the
// concept count the final round aims for; values below 1 disable the target.
func DefaultPolicies(target int) []Policy {
	if target < 1 {
		target = 0
	}
	return []Policy{
		{Round: 1, Name: "near-duplicate", Guidance: guidanceNearDuplicate},
		{Round: 2, Name: "thematic", Guidance: guidanceThematic},
		{Round: 3, Name: "consolidate", Guidance: guidanceConsolidate, TargetCount: target},
	}
}

type policyFile struct {
	Rounds []Policy `yaml:"rounds"`
}

// ParsePolicies decodes a YAML document of the form
//
//	rounds:
//	  - round: 1
//	    name: near-duplicate
//	    guidance: ...
//	    target_count: 0
func ParsePolicies(data []byte) ([]Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse round policies: %w", err)
	}
	if err := ValidatePolicies(f.Rounds); err != nil {
		return nil, err
	}
	return f.Rounds, nil
}

// LoadPolicies reads and validates a YAML policy file.
func LoadPolicies(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read round policies: %w", err)
	}
	return ParsePolicies(data)
}

// ValidatePolicies checks that rounds are numbered from 1 upwards in strictly
// increasing order and that targets only ever tighten.
func ValidatePolicies(policies []Policy) error {
	if len(policies) == 0 {
		return errors.New("at least one merge round is required")
	}
	lastRound := 0
	lastTarget := 0
	for i, p := range policies {
		if p.Round <= lastRound {
			return fmt.Errorf("policy %d: round %d must be greater than %d", i, p.Round, lastRound)
		}
		if p.TargetCount < 0 {
			return fmt.Errorf("policy %d: negative target count", i)
		}
		if p.TargetCount > 0 {
			if lastTarget > 0 && p.TargetCount > lastTarget {
				return fmt.Errorf("policy %d: target %d loosens previous target %d", i, p.TargetCount, lastTarget)
			}
			lastTarget = p.TargetCount
		}
		lastRound = p.Round
	}
	return nil
}
