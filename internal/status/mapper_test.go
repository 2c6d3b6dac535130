package status

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ignite/email-intel/internal/domain"
)

func TestAllowedTransitions(t *testing.T) {
	cases := []struct {
		from, to domain.Status
		ok       bool
	}{
		{domain.StatusPending, domain.StatusPhase1Complete, true},
		{domain.StatusPhase1Complete, domain.StatusPhase2Complete, true},
		{domain.StatusPhase1Complete, domain.StatusPhase2Failed, true},
		{domain.StatusPhase2Complete, domain.StatusPhase3Complete, true},
		{domain.StatusPhase2Complete, domain.StatusPhase3Failed, true},
		{domain.StatusPhase2Failed, domain.StatusPhase2Complete, true},
		{domain.StatusPhase3Failed, domain.StatusPhase3Complete, true},

		// Skipping phases or moving backwards is illegal
		{domain.StatusPending, domain.StatusPhase2Complete, false},
		{domain.StatusPending, domain.StatusPhase3Complete, false},
		{domain.StatusPhase2Complete, domain.StatusPhase1Complete, false},
		{domain.StatusPhase3Complete, domain.StatusPhase2Complete, false},
		{domain.StatusPhase1Complete, domain.StatusPhase3Complete, false},
		{domain.StatusPhase2Failed, domain.StatusPhase3Complete, false},
	}

	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestArchivedReachableFromAnywhere(t *testing.T) {
	for _, s := range All() {
		require.True(t, CanTransition(s, domain.StatusArchived), "archive from %s", s)
	}
}

func TestUIProjectionIsTotal(t *testing.T) {
	seen := map[domain.Status]domain.UIStatus{}
	for _, s := range All() {
		ui := ToUI(s)
		require.NotEmpty(t, ui, "status %s has no UI projection", s)
		seen[s] = ui
	}
	// Every internal status has exactly one projection
	require.Len(t, seen, len(All()))

	require.Equal(t, domain.UIUnread, seen[domain.StatusPending])
	require.Equal(t, domain.UIProcessing, seen[domain.StatusPhase1Complete])
	require.Equal(t, domain.UIResolved, seen[domain.StatusPhase2Complete])
	require.Equal(t, domain.UIResolved, seen[domain.StatusPhase3Complete])
	require.Equal(t, domain.UIEscalated, seen[domain.StatusPhase2Failed])
	require.Equal(t, domain.UIEscalated, seen[domain.StatusPhase3Failed])
	require.Equal(t, domain.UIRead, seen[domain.StatusArchived])
}

func TestPhaseForNeverDecreasesAlongTransitions(t *testing.T) {
	// Walking any legal non-archive transition must not decrease the
	// implied phase_completed.
	for from, tos := range allowed {
		for _, to := range tos {
			require.GreaterOrEqual(t, PhaseFor(to), PhaseFor(from),
				"transition %s -> %s decreases phase", from, to)
		}
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(domain.StatusPending, domain.StatusPhase1Complete))
	require.Error(t, Validate(domain.StatusPending, domain.StatusPhase3Complete))
}
