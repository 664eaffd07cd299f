package shadownloader

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseServerURL_DefaultsAndTrims(t *testing.T) {
	target, err := ParseServerURL("example.com/")
	require.NoError(t, err)
	require.Equal(t, ServerTarget{Host: "example.com", Port: 0, Secure: true}, target)
}

func TestParseServerURL_ExplicitSchemeAndPort(t *testing.T) {
	target, err := ParseServerURL("http://localhost:8080")
	require.NoError(t, err)
	require.Equal(t, ServerTarget{Host: "localhost", Port: 8080, Secure: false}, target)
}

func TestParseServerURL_EmptyHostRejected(t *testing.T) {
	_, err := ParseServerURL("   ")
	require.Error(t, err)
}

func TestParseServerURL_BuildBaseURL_RoundTrip(t *testing.T) {
	cases := []ServerTarget{
		{Host: "example.com", Port: 0, Secure: true},
		{Host: "example.com", Port: 8443, Secure: true},
		{Host: "localhost", Port: 8080, Secure: false},
	}
	for _, target := range cases {
		got, err := ParseServerURL(BuildBaseURL(target))
		require.NoError(t, err)
		require.Equal(t, target, got)
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name            string
		client, server  string
		wantCompatible  bool
		wantHasMessage  bool
	}{
		{"same major.minor", "1.2.0", "1.2.5", true, false},
		{"client newer minor", "1.3.0", "1.2.0", true, true},
		{"server newer minor", "1.2.0", "1.3.0", true, false},
		{"major mismatch", "2.0.0", "1.9.0", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compatible, message, err := CheckVersion(tt.client, tt.server)
			require.NoError(t, err)
			require.Equal(t, tt.wantCompatible, compatible)
			require.Equal(t, tt.wantHasMessage, message != "")
		})
	}
}

func TestValidatePlainFilename(t *testing.T) {
	require.NoError(t, ValidatePlainFilename("hello.txt"))
	require.Error(t, ValidatePlainFilename(""))
	require.Error(t, ValidatePlainFilename("a/b.txt"))
	require.Error(t, ValidatePlainFilename("a\\b.txt"))

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	require.Error(t, ValidatePlainFilename(string(long)))
}
