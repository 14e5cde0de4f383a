package core

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	r := require.New(t)

	testCases := []struct {
		input    string
		expected string
	}{
		{"postgres://localhost/db", "postgres://localhost/db"},
		{"{{ env `HOME` }}", os.Getenv("HOME")},
		{"{{ exec `echo \"hello\nbuddy\" | grep buddy` }}", "buddy"},
	}

	for _, tc := range testCases {
		actual, err := expand(tc.input)
		r.NoError(err)

		r.Equal(tc.expected, actual)
	}
}

func TestConnectionParams_WithPassword(t *testing.T) {
	r := require.New(t)

	params := &ConnectionParams{ID: "a", Type: "postgres", URL: "postgres://alice@db:5432/app"}
	r.False(params.HasPassword())

	withPass, err := params.WithPassword("s3cret")
	r.NoError(err)
	r.True(withPass.HasPassword())
	r.Equal("postgres://alice:s3cret@db:5432/app", withPass.URL)
	// original untouched
	r.Equal("postgres://alice@db:5432/app", params.URL)

	moved, err := withPass.WithHost("127.0.0.1:40000")
	r.NoError(err)
	host, err := moved.Host()
	r.NoError(err)
	r.Equal("127.0.0.1:40000", host)
}
