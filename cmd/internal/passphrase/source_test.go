package passphrase

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("LOW_TEST_SECRET", "correct horse")
	s := NewSource("LOW_TEST_SECRET", "recovery phrase")
	s.isTerminal = func() bool { t.Fatal("terminal consulted"); return false }

	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "correct horse", got)
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("LOW_TEST_SECRET", "   ")
	_, err := NewSource("LOW_TEST_SECRET", "recovery phrase").Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestSourcePromptsOnceOnTerminal(t *testing.T) {
	s := NewSource("", "cache passphrase")
	reads := 0
	s.isTerminal = func() bool { return true }
	s.read = func() ([]byte, error) {
		reads++
		return []byte("hunter2"), nil
	}

	for i := 0; i < 2; i++ {
		got, err := s.Get()
		require.NoError(t, err)
		require.Equal(t, "hunter2", got)
	}
	require.Equal(t, 1, reads)
}

func TestSourceFailures(t *testing.T) {
	noTTY := NewSource("LOW_TEST_UNSET_SECRET", "recovery phrase")
	noTTY.lookupEnv = func(string) (string, bool) { return "", false }
	noTTY.isTerminal = func() bool { return false }
	_, err := noTTY.Get()
	require.ErrorContains(t, err, "set LOW_TEST_UNSET_SECRET")

	blank := NewSource("", "recovery phrase")
	blank.isTerminal = func() bool { return true }
	blank.read = func() ([]byte, error) { return []byte(" "), nil }
	_, err = blank.Get()
	require.ErrorContains(t, err, "cannot be empty")

	broken := NewSource("", "recovery phrase")
	broken.isTerminal = func() bool { return true }
	broken.read = func() ([]byte, error) { return nil, errors.New("tty gone") }
	_, err = broken.Get()
	require.ErrorContains(t, err, "tty gone")
}
