package domain_test

import (
	"testing"

	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/stretchr/testify/require"
)

func TestUserStateCodes(t *testing.T) {
	for _, s := range []domain.UserState{domain.UserPending, domain.UserActive, domain.UserDeleted} {
		code, err := s.Code()
		require.NoError(t, err)
		back, err := domain.UserStateFromCode(code)
		require.NoError(t, err)
		require.Equal(t, s, back)
	}

	_, err := domain.UserState(0).Code()
	require.Error(t, err)
	_, err = domain.UserStateFromCode(9)
	require.Error(t, err)
}

func TestUserStateTransitions(t *testing.T) {
	allowed := map[[2]domain.UserState]bool{
		{domain.UserPending, domain.UserActive}:  true,
		{domain.UserPending, domain.UserDeleted}: true,
		{domain.UserActive, domain.UserDeleted}:  true,
		{domain.UserPending, domain.UserPending}: true,
		{domain.UserActive, domain.UserActive}:   true,
	}
	states := []domain.UserState{domain.UserPending, domain.UserActive, domain.UserDeleted}
	for _, from := range states {
		for _, to := range states {
			require.Equal(t, allowed[[2]domain.UserState{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestSessionStageCodes(t *testing.T) {
	for _, s := range []domain.SessionStage{domain.SessionInitiated, domain.SessionActivated, domain.SessionDisabled} {
		code, err := s.Code()
		require.NoError(t, err)
		back, err := domain.SessionStageFromCode(code)
		require.NoError(t, err)
		require.Equal(t, s, back)
	}
	_, err := domain.SessionStageFromCode(0)
	require.Error(t, err)
}

func TestSessionStageDisabledIsTerminal(t *testing.T) {
	for _, next := range []domain.SessionStage{domain.SessionInitiated, domain.SessionActivated, domain.SessionDisabled} {
		require.False(t, domain.SessionDisabled.CanTransitionTo(next))
	}
	require.True(t, domain.SessionInitiated.CanTransitionTo(domain.SessionActivated))
	require.False(t, domain.SessionActivated.CanTransitionTo(domain.SessionInitiated))
}

func TestUserHelpers(t *testing.T) {
	var u domain.User
	require.False(t, u.HasOtp())
	require.Empty(t, u.MailOrEmpty())

	mail, secret := "a@example.com", "SECRET"
	u.Mail, u.OtpSecret = &mail, &secret
	require.True(t, u.HasOtp())
	require.Equal(t, mail, u.MailOrEmpty())
}
