package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthHandler_GenerateChallenge(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	first, err := auth.GenerateChallenge()
	require.NoError(t, err)
	assert.Len(t, first, 64)

	second, err := auth.GenerateChallenge()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestAuthHandler_VerifySignature(t *testing.T) {
	auth := NewAuthHandler("test-secret")
	challenge, err := auth.GenerateChallenge()
	require.NoError(t, err)

	assert.True(t, auth.VerifySignature(challenge, SignChallenge("test-secret", challenge)))
	assert.False(t, auth.VerifySignature(challenge, SignChallenge("wrong-secret", challenge)))
	assert.False(t, auth.VerifySignature(challenge, "invalid-signature"))
}

func TestAuthHandler_VerifySecret(t *testing.T) {
	auth := NewAuthHandler("test-secret")
	assert.True(t, auth.VerifySecret("test-secret"))
	assert.False(t, auth.VerifySecret("test-secre"))
	assert.False(t, auth.VerifySecret(""))
}

func TestAuthHandler_HandleAuthResponse(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("valid signature consumes challenge", func(t *testing.T) {
		client := &Client{ID: "c1", Challenge: "test-challenge", AuthAttempts: 1}
		result := auth.HandleAuthResponse(client, SignChallenge("test-secret", "test-challenge"))

		assert.True(t, result.Success)
		assert.Equal(t, "auth.success", result.Event)
		assert.Equal(t, 0, client.AuthAttempts)
		assert.Empty(t, client.Challenge)
	})

	t.Run("invalid signature counts attempt", func(t *testing.T) {
		client := &Client{ID: "c1", Challenge: "test-challenge"}
		result := auth.HandleAuthResponse(client, "invalid-signature")

		assert.False(t, result.Success)
		assert.Equal(t, "auth.failure", result.Event)
		assert.Equal(t, "Invalid signature", result.Message)
		assert.Equal(t, 1, client.AuthAttempts)
	})

	t.Run("third failure blocks", func(t *testing.T) {
		client := &Client{ID: "c1", Challenge: "test-challenge", AuthAttempts: 2}
		result := auth.HandleAuthResponse(client, "invalid-signature")

		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "Too many failed attempts")
		assert.Equal(t, 3, client.AuthAttempts)
	})

	t.Run("no challenge", func(t *testing.T) {
		client := &Client{ID: "c1"}
		result := auth.HandleAuthResponse(client, "any-signature")

		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "No challenge found")
	})
}
