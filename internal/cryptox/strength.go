package cryptox

import (
	"github.com/nbutton23/zxcvbn-go"
)

// Strength is a 0–4 password score with human-readable feedback.
type Strength struct {
	Score    int      `json:"score"`
	Feedback []string `json:"feedback"`
}

// CheckPasswordStrength scores a candidate sync password. An empty password
// scores 0 with no feedback; weak passwords get actionable suggestions.
func CheckPasswordStrength(password string) Strength {
	if password == "" {
		return Strength{Score: 0}
	}

	score := zxcvbn.PasswordStrength(password, nil).Score

	var feedback []string
	if len(password) < 8 {
		feedback = append(feedback, "Use at least 8 characters")
	}
	if score < 3 {
		feedback = append(feedback, "Add words, numbers or symbols that are hard to guess")
	}
	return Strength{Score: score, Feedback: feedback}
}
