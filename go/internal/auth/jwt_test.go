package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	token, exp, err := Issue("s1", RoleStudent, "presence-server", "secret", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := Parse(token, "secret", "presence-server")
	require.NoError(t, err)
	assert.Equal(t, "s1", claims.Subject)
	assert.Equal(t, RoleStudent, claims.Role)
}

func TestParseRejectsWrongKey(t *testing.T) {
	token, _, err := Issue("s1", RoleStudent, "presence-server", "secret", time.Hour)
	require.NoError(t, err)
	_, err = Parse(token, "other-secret", "presence-server")
	assert.Error(t, err)
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	token, _, err := Issue("s1", RoleTeacher, "someone-else", "secret", time.Hour)
	require.NoError(t, err)
	_, err = Parse(token, "secret", "presence-server")
	assert.Error(t, err)
}

func TestParseRejectsExpired(t *testing.T) {
	token, _, err := Issue("s1", RoleStudent, "presence-server", "secret", -time.Minute)
	require.NoError(t, err)
	_, err = Parse(token, "secret", "presence-server")
	assert.Error(t, err)
}
