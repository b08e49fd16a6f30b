package pow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solve(c Challenge) Solution {
	for nonce := 0; ; nonce++ {
		input := fmt.Sprintf("%s:%d", c.Prefix, nonce)
		sum := sha256.Sum256([]byte(input))
		hash := hex.EncodeToString(sum[:])
		if strings.HasPrefix(hash, strings.Repeat("0", c.Difficulty)) {
			return Solution{ChallengeID: c.ID, Nonce: nonce, Hash: hash}
		}
	}
}

func TestIssueThenVerifyCorrectSolutionSucceeds(t *testing.T) {
	s := NewStore()
	defer s.Close()

	c := s.Issue("secret", 1)
	sol := solve(c)

	result := s.Verify("secret", sol)
	assert.True(t, result.Valid)
	assert.Equal(t, 1, result.Difficulty)
}

func TestVerifyRejectsUnknownChallenge(t *testing.T) {
	s := NewStore()
	defer s.Close()

	result := s.Verify("secret", Solution{ChallengeID: "nope", Nonce: 0, Hash: "abc"})
	assert.False(t, result.Valid)
	assert.Equal(t, "challenge_not_found", result.Reason)
}

func TestVerifyRejectsWrongHash(t *testing.T) {
	s := NewStore()
	defer s.Close()

	c := s.Issue("secret", 1)
	result := s.Verify("secret", Solution{ChallengeID: c.ID, Nonce: 0, Hash: "deadbeef"})
	assert.False(t, result.Valid)
	assert.Equal(t, "invalid_hash", result.Reason)
}

func TestVerifyRejectsReplayedSolution(t *testing.T) {
	s := NewStore()
	defer s.Close()

	c := s.Issue("secret", 1)
	sol := solve(c)

	first := s.Verify("secret", sol)
	require.True(t, first.Valid)

	second := s.Verify("secret", sol)
	assert.False(t, second.Valid)
	assert.Equal(t, "challenge_not_found", second.Reason, "a solved challenge is deleted, so replay looks unknown")
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	s := NewStore()
	defer s.Close()

	c := s.Issue("secret-a", 1)
	sol := solve(c)

	result := s.Verify("secret-b", sol)
	assert.False(t, result.Valid)
	assert.Equal(t, "signature_mismatch", result.Reason)
}

func TestDifficultyForScalesWithRiskScore(t *testing.T) {
	assert.Equal(t, 4, DifficultyFor(0.2))
	assert.Equal(t, 5, DifficultyFor(0.5))
	assert.Equal(t, 6, DifficultyFor(0.65))
}
