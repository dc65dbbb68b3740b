package data

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewItem(t *testing.T) {
	item, err := NewItem(KindCover, "  covers/1.png ", 1000)
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, "covers/1.png", item.Payload)
	assert.Equal(t, 1000.0, item.GlobalScore)
	assert.Equal(t, 1000.0, item.LocalScore)
	assert.True(t, item.IsActive)
	assert.Zero(t, item.VoteCount)

	_, err = NewItem("poster", "x", 1000)
	assert.ErrorIs(t, err, ErrInvalidItemKind)
	_, err = NewItem(KindTitle, "   ", 1000)
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestParseItemKind(t *testing.T) {
	for in, want := range map[string]ItemKind{"title": KindTitle, "Titles": KindTitle, " cover ": KindCover, "covers": KindCover} {
		got, err := ParseItemKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseItemKind("")
	assert.ErrorIs(t, err, ErrInvalidItemKind)
}

func TestNewUser(t *testing.T) {
	u, err := NewUser("  Ada ")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.Name)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, StepRegistered, u.CompletedSteps)

	_, err = NewUser("")
	assert.ErrorIs(t, err, ErrInvalidUser)
	_, err = NewUser(strings.Repeat("ж", MaxNameLength+1))
	assert.ErrorIs(t, err, ErrInvalidUser)
	_, err = NewUser(strings.Repeat("ж", MaxNameLength))
	assert.NoError(t, err)
}

func TestUserAdvance(t *testing.T) {
	u, err := NewUser("Ada")
	require.NoError(t, err)

	require.NoError(t, u.Advance(StepSurvey))
	assert.ErrorIs(t, u.Advance(StepCovers), ErrStepOutOfSequence)
	require.NoError(t, u.Advance(StepTitles))
	require.NoError(t, u.Advance(StepSurvey), "repeating an earlier step is allowed")
	assert.Equal(t, StepTitles, u.CompletedSteps)
	assert.ErrorIs(t, u.Advance(Step(9)), ErrStepOutOfSequence)
}

func TestSurveyAnswersValidate(t *testing.T) {
	valid := SurveyAnswers{UserID: "u1", ReadingHabits: []string{"fantasy"}, InterestLevel: 7}
	assert.NoError(t, valid.Validate())

	testCases := map[string]SurveyAnswers{
		"missing user":  {InterestLevel: 5},
		"interest low":  {UserID: "u1", InterestLevel: 0},
		"interest high": {UserID: "u1", InterestLevel: 11},
		"blank habit":   {UserID: "u1", InterestLevel: 5, ReadingHabits: []string{" "}},
	}
	for name, answers := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, answers.Validate(), ErrInvalidSurvey)
		})
	}
}
