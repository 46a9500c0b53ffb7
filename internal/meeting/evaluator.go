// ABOUTME: Consensus evaluation policies for completed discussion rounds
// ABOUTME: An evaluator decides whether a round's submissions constitute agreement

package meeting

import (
	"fmt"

	"github.com/parley-dev/parley-gateway/internal/store"
)

// Evaluator decides whether one completed round reached consensus.
// kinds holds the message kind each participant submitted this round;
// a skipped participant contributes store.KindMeta (abstain).
type Evaluator func(kinds []store.MessageKind) bool

// Unanimous is satisfied when every participant submitted a consensus-type
// message. Abstains and opinions block it.
func Unanimous(kinds []store.MessageKind) bool {
	if len(kinds) == 0 {
		return false
	}
	for _, k := range kinds {
		if k != store.KindConsensus {
			return false
		}
	}
	return true
}

// Majority is satisfied when more than half of the participants submitted a
// consensus-type message.
func Majority(kinds []store.MessageKind) bool {
	if len(kinds) == 0 {
		return false
	}
	agreed := 0
	for _, k := range kinds {
		if k == store.KindConsensus {
			agreed++
		}
	}
	return agreed*2 > len(kinds)
}

// EvaluatorFor returns the evaluator for a configured policy name.
func EvaluatorFor(policy string) (Evaluator, error) {
	switch policy {
	case "unanimous", "":
		return Unanimous, nil
	case "majority":
		return Majority, nil
	default:
		return nil, fmt.Errorf("unknown consensus policy %q", policy)
	}
}
