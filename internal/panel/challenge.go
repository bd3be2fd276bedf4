package panel

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	groupModels "gatekeeper/internal/groups/models"
	id "gatekeeper/pkg/domain"
)

var colours = []string{"red", "green", "blue", "yellow"}

// Challenge is the rendered form of a stored challenge.
type Challenge struct {
	Question string
	Options  []string
}

// newChallenge draws a fresh expected answer for style. Only the kind and
// the answer are persisted; the question is derived from them.
func newChallenge(style groupModels.CaptchaStyle, rng *rand.Rand) (kind, expected string) {
	if style == groupModels.CaptchaMath {
		return string(groupModels.CaptchaMath), strconv.Itoa(2 + rng.IntN(17))
	}
	return string(groupModels.CaptchaButton), colours[rng.IntN(len(colours))]
}

// describeChallenge renders a stored challenge. Layout is stable per record
// so re-opening the panel shows the same buttons.
func describeChallenge(pendingID id.PendingID, kind, expected string) Challenge {
	shift := int(pendingID[1]) % 4

	if kind == string(groupModels.CaptchaMath) {
		n, err := strconv.Atoi(expected)
		if err != nil || n < 2 {
			n = 2
		}
		a := 1 + int(pendingID[0])%(n-1)
		opts := []string{strconv.Itoa(n), strconv.Itoa(n + 1), strconv.Itoa(n + 3)}
		if n > 2 {
			opts = append(opts, strconv.Itoa(n-1))
		} else {
			opts = append(opts, strconv.Itoa(n+2))
		}
		return Challenge{
			Question: fmt.Sprintf("What is %d + %d?", a, n-a),
			Options:  rotate(opts, shift),
		}
	}

	return Challenge{
		Question: fmt.Sprintf("Tap the %s button.", expected),
		Options:  rotate(colours, shift),
	}
}

func checkAnswer(expected, answer string) bool {
	return expected != "" && strings.EqualFold(strings.TrimSpace(answer), expected)
}

func rotate(in []string, k int) []string {
	out := make([]string, len(in))
	for i := range in {
		out[i] = in[(i+k)%len(in)]
	}
	return out
}
