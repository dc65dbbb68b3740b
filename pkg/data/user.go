package data

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Error types for participants
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrInvalidUser       = errors.New("invalid user")
	ErrInvalidSurvey     = errors.New("invalid survey answers")
	ErrNoActiveUser      = errors.New("no active user")
	ErrRoundNotFound     = errors.New("no active voting round")
	ErrStepOutOfSequence = errors.New("step out of sequence")
)

// Step tracks how far a participant got through the flow
type Step int

const (
	StepRegistered    Step = iota // Name submitted
	StepSurvey                    // Survey answered
	StepTitles                    // Title comparisons finished
	StepCovers                    // Cover comparisons finished
	StepRankings                  // Rankings viewed
	StepFeedback                  // Feedback given
)

// MaxNameLength bounds the participant display name.
const MaxNameLength = 100

// User is a participant profile
type User struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	IsAdmin        bool      `json:"is_admin"`
	CompletedSteps Step      `json:"completed_steps"`
	Feedback       string    `json:"feedback,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewUser validates the name and creates a profile
func NewUser(name string) (User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, fmt.Errorf("%w: name is required", ErrInvalidUser)
	}
	if len([]rune(name)) > MaxNameLength {
		return User{}, fmt.Errorf("%w: name longer than %d characters", ErrInvalidUser, MaxNameLength)
	}
	return User{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Advance moves the user to step if that is not behind the current one.
func (u *User) Advance(step Step) error {
	if step < StepRegistered || step > StepFeedback {
		return fmt.Errorf("%w: unknown step %d", ErrStepOutOfSequence, step)
	}
	if step > u.CompletedSteps+1 {
		return fmt.Errorf("%w: at step %d, cannot complete %d", ErrStepOutOfSequence, u.CompletedSteps, step)
	}
	if step > u.CompletedSteps {
		u.CompletedSteps = step
	}
	return nil
}

// SurveyAnswers is the short reading survey filled in before voting
type SurveyAnswers struct {
	UserID        string    `json:"user_id"`
	ReadingHabits []string  `json:"reading_habits"`
	InterestLevel int       `json:"interest_level"` // 1..10
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks the survey content
func (s SurveyAnswers) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidSurvey)
	}
	if s.InterestLevel < 1 || s.InterestLevel > 10 {
		return fmt.Errorf("%w: interest level %d must be between 1 and 10", ErrInvalidSurvey, s.InterestLevel)
	}
	for _, h := range s.ReadingHabits {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("%w: empty reading habit", ErrInvalidSurvey)
		}
	}
	return nil
}

// Round is a global voting competition. Exactly one round is active.
type Round struct {
	Number    int       `json:"number"`
	StartedAt time.Time `json:"started_at"`
	Active    bool      `json:"active"`
}
