package revset_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	restackerrors "restack.dev/restack/internal/errors"
	"restack.dev/restack/internal/revset"
)

func TestCheckSyntax(t *testing.T) {
	valid := []string{
		"HEAD",
		"main",
		"abcdef1234",
		"draft()",
		"stack(HEAD)",
		"ancestors(main)",
		"descendants(abcdef12)",
	}
	for _, raw := range valid {
		t.Run("accepts "+raw, func(t *testing.T) {
			require.NoError(t, revset.CheckSyntax([]string{raw}))
		})
	}

	invalid := []string{
		"",
		"  ",
		"stack(HEAD",
		"stack()",
		"stack(a b)",
		"draft(HEAD)",
		"nosuchfn(HEAD)",
		"two words",
		"tricky)",
	}
	for _, raw := range invalid {
		t.Run("rejects "+raw, func(t *testing.T) {
			err := revset.CheckSyntax([]string{raw})
			require.Error(t, err)
			require.ErrorIs(t, err, restackerrors.ErrMalformedRevset)
		})
	}

	t.Run("reports the first malformed expression", func(t *testing.T) {
		err := revset.CheckSyntax([]string{"HEAD", "stack(", "also("})
		require.Error(t, err)
		require.Contains(t, err.Error(), "stack(")
	})

	t.Run("empty list is fine", func(t *testing.T) {
		require.NoError(t, revset.CheckSyntax(nil))
	})
}
