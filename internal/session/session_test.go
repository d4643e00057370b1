package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/djcore/djcore/internal/wire"
)

func TestWsURLSchemeSelection(t *testing.T) {
	u, err := wsURL("localhost:9000")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:9000/", u)

	u, err = wsURL("vj.example.com:9000")
	require.NoError(t, err)
	require.Equal(t, "wss://vj.example.com:9000/", u)
}

func TestAuthMessageRequiresCredentials(t *testing.T) {
	c := New(nil, Credentials{DJName: "DJ"})
	_, err := c.authMessage()
	require.Error(t, err)
}

func TestAuthMessageCodePreferred(t *testing.T) {
	c := New(nil, Credentials{Code: "ABC123", DJID: "dj-1", DJKey: "key-1", DJName: "DJ"})
	msg, err := c.authMessage()
	require.NoError(t, err)
	require.Equal(t, wire.CodeAuth{Type: "code_auth", Code: "ABC123", DJName: "DJ"}, msg)
}

func TestParseAddrDefaultsPort(t *testing.T) {
	addr, err := ParseAddr("vj.example.com", "9000")
	require.NoError(t, err)
	require.Equal(t, "vj.example.com:9000", addr)

	addr, err = ParseAddr("vj.example.com:9100", "9000")
	require.NoError(t, err)
	require.Equal(t, "vj.example.com:9100", addr)
}

func TestParseAddrRejectsEmpty(t *testing.T) {
	_, err := ParseAddr("   ", "9000")
	require.Error(t, err)
}
