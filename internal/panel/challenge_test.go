package panel

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	groupModels "gatekeeper/internal/groups/models"
	id "gatekeeper/pkg/domain"
)

func TestChallenge_OptionsAlwaysContainTheAnswer(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, style := range []groupModels.CaptchaStyle{groupModels.CaptchaMath, groupModels.CaptchaButton} {
		for i := 0; i < 200; i++ {
			pendingID := id.NewPendingID()
			kind, expected := newChallenge(style, rng)
			c := describeChallenge(pendingID, kind, expected)

			require.Contains(t, c.Options, expected, "style %s", style)
			assert.Equal(t, c, describeChallenge(pendingID, kind, expected), "layout must be stable")
		}
	}
}

func TestChallenge_MathQuestionAddsUp(t *testing.T) {
	pendingID := id.NewPendingID()
	c := describeChallenge(pendingID, string(groupModels.CaptchaMath), "11")

	var a, b int
	_, err := fmt.Sscanf(c.Question, "What is %d + %d?", &a, &b)
	require.NoError(t, err)
	assert.Equal(t, 11, a+b)
	assert.Len(t, c.Options, 4)
}

func TestCheckAnswer(t *testing.T) {
	assert.True(t, checkAnswer("blue", " Blue "))
	assert.True(t, checkAnswer(strconv.Itoa(7), "7"))
	assert.False(t, checkAnswer("7", "8"))
	assert.False(t, checkAnswer("", ""))
}
