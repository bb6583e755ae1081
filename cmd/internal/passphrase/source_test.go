package passphrase

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSource(env map[string]string, terminal bool, typed string, readErr error) (*Source, *bytes.Buffer) {
	var prompt bytes.Buffer
	reads := 0
	s := &Source{
		envVar: "TEST_SECRET",
		label:  "signing secret",
		prompt: &prompt,
		lookup: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
		isTerminal: func() bool { return terminal },
		readSecret: func() ([]byte, error) {
			reads++
			if reads > 1 {
				return nil, errors.New("prompted twice")
			}
			return []byte(typed), readErr
		},
	}
	return s, &prompt
}

func TestSourcePrefersEnvironment(t *testing.T) {
	s, prompt := testSource(map[string]string{"TEST_SECRET": "from-env"}, true, "typed", nil)
	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "from-env", got)
	require.Empty(t, prompt.String())
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	s, _ := testSource(map[string]string{"TEST_SECRET": "  "}, true, "typed", nil)
	_, err := s.Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	s, prompt := testSource(nil, true, "typed-secret", nil)
	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "typed-secret", got)
	require.Contains(t, prompt.String(), "Enter signing secret")

	got, err = s.Get()
	require.NoError(t, err)
	require.Equal(t, "typed-secret", got)
}

func TestSourceWithoutTerminal(t *testing.T) {
	s, _ := testSource(nil, false, "", nil)
	_, err := s.Get()
	require.ErrorContains(t, err, "TEST_SECRET")
}

func TestSourceEmptyPrompt(t *testing.T) {
	s, _ := testSource(nil, true, "   ", nil)
	_, err := s.Get()
	require.ErrorContains(t, err, "cannot be empty")
}
