/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: factory.go
Description: Builds the mutator a worker uses from the fuzzer configuration.
*/

package strategies

import (
	"fmt"
	"math/rand"

	"github.com/kleascm/simfuzz/pkg/interfaces"
)

// DefaultMutationRate applies when the configuration leaves it unset
const DefaultMutationRate = 0.01

// Options are the inputs of Build that do not come from the configuration
type Options struct {
	Seed   int64
	Tokens [][]byte
	Donor  Donor
}

// Build returns the mutator named by config.Strategy. "havoc" and the empty string stack
// every applicable mutator in random order.
func Build(config *interfaces.FuzzerConfig, opts Options) (interfaces.Mutator, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	rate := config.MutationRate
	if rate <= 0 {
		rate = DefaultMutationRate
	}

	switch config.Strategy {
	case "", "havoc":
		mutators := []interfaces.Mutator{
			NewBitFlipMutator(rate, rng),
			NewByteSubstitutionMutator(rate, rng),
			NewArithmeticMutator(rng),
			NewBlockMutator(rng),
			NewCrossOverMutator(opts.Donor, rng),
		}
		if len(opts.Tokens) > 0 {
			mutators = append(mutators, NewTokenMutator(opts.Tokens, rng))
		}
		if config.CmpLog {
			mutators = append(mutators, NewCmpLogMutator(rng))
		}
		chain := config.MaxMutations
		if chain <= 0 {
			chain = 8
		}
		return NewCompositeMutator(mutators, chain, true, rng), nil
	case "bitflip":
		return NewBitFlipMutator(rate, rng), nil
	case "byte":
		return NewByteSubstitutionMutator(rate, rng), nil
	case "arith":
		return NewArithmeticMutator(rng), nil
	case "block":
		return NewBlockMutator(rng), nil
	case "crossover":
		return NewCrossOverMutator(opts.Donor, rng), nil
	case "token":
		if len(opts.Tokens) == 0 {
			return nil, fmt.Errorf("strategy token needs token files")
		}
		return NewTokenMutator(opts.Tokens, rng), nil
	case "cmplog":
		if !config.CmpLog {
			return nil, fmt.Errorf("strategy cmplog needs cmplog enabled")
		}
		return NewCmpLogMutator(rng), nil
	default:
		return nil, fmt.Errorf("unknown mutation strategy %q", config.Strategy)
	}
}
