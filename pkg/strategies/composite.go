/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: composite.go
Description: Composite mutator for simfuzz. Chains several mutation strategies per candidate,
in fixed or random order, to build havoc-style stacked mutations.
*/

package strategies

import (
	"errors"
	"math/rand"

	"github.com/kleascm/simfuzz/pkg/interfaces"
)

// CompositeMutator composes multiple Mutator instances for chained mutation.
type CompositeMutator struct {
	mutators    []interfaces.Mutator
	chainLength int  // Maximum mutators applied per mutation
	randomOrder bool // Draw mutators at random instead of in order
	rng         *rand.Rand
}

// NewCompositeMutator creates a new CompositeMutator. A chainLength outside 1..len(mutators)
// applies every mutator once.
func NewCompositeMutator(mutators []interfaces.Mutator, chainLength int, randomOrder bool, rng *rand.Rand) *CompositeMutator {
	if chainLength <= 0 || (!randomOrder && chainLength > len(mutators)) {
		chainLength = len(mutators)
	}
	return &CompositeMutator{
		mutators:    mutators,
		chainLength: chainLength,
		randomOrder: randomOrder,
		rng:         rng,
	}
}

// Mutate applies a chain of mutators. In random order the chain length is drawn from
// 1..chainLength and mutators may repeat.
func (c *CompositeMutator) Mutate(testCase *interfaces.TestCase) (*interfaces.TestCase, error) {
	if len(c.mutators) == 0 {
		return nil, errors.New("composite mutator has no mutators")
	}

	steps := c.chainLength
	if c.randomOrder {
		steps = 1 + c.rng.Intn(c.chainLength)
	}

	mutated := testCase
	chain := make([]string, 0, steps)
	for i := 0; i < steps; i++ {
		m := c.mutators[i%len(c.mutators)]
		if c.randomOrder {
			m = c.mutators[c.rng.Intn(len(c.mutators))]
		}
		next, err := m.Mutate(mutated)
		if err != nil {
			return nil, err
		}
		mutated = next
		chain = append(chain, m.Name())
	}

	mutated.ParentID = testCase.ID
	mutated.Generation = testCase.Generation + 1
	if mutated.Metadata == nil {
		mutated.Metadata = make(map[string]interface{})
	}
	mutated.Metadata["mutator"] = c.Name()
	mutated.Metadata["chain"] = chain
	return mutated, nil
}

// Name returns the name of this mutator.
func (c *CompositeMutator) Name() string {
	return "CompositeMutator"
}

// Description returns a description of this mutator.
func (c *CompositeMutator) Description() string {
	return "Chains multiple mutators per candidate in fixed or random order"
}
