package gdrive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestOAuth_MissingCredentials(t *testing.T) {
	s, err := OAuth(context.Background(), filepath.Join(t.TempDir(), "missing.json"), "")
	assert.Nil(t, s)
	require.Error(t, err)
}

func TestOAuth_InvalidCredentials(t *testing.T) {
	file := filepath.Join(t.TempDir(), "client_credentials.json")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	s, err := OAuth(context.Background(), file, "")
	assert.Nil(t, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected end of JSON input")
}

func TestToken_WriteRead(t *testing.T) {
	file := filepath.Join(t.TempDir(), "token.json")
	tok := &oauth2.Token{
		AccessToken:  "access",
		TokenType:    "Bearer",
		RefreshToken: "refresh",
		Expiry:       time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, writeToken(file, tok))

	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := readToken(file)
	require.NoError(t, err)
	assert.Equal(t, tok.AccessToken, got.AccessToken)
	assert.Equal(t, tok.RefreshToken, got.RefreshToken)
	assert.True(t, tok.Expiry.Equal(got.Expiry))
}

func TestToken_ReadInvalid(t *testing.T) {
	dir := t.TempDir()

	_, err := readToken(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte("{"), 0600))
	_, err = readToken(broken)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("{}"), 0600))
	_, err = readToken(empty)
	assert.Error(t, err)
}

func TestSavingTokenSource(t *testing.T) {
	file := filepath.Join(t.TempDir(), "token.json")
	ts := &_SavingTokenSource{
		src:  oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "new"}),
		file: file,
		last: "old",
	}

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "new", tok.AccessToken)

	saved, err := readToken(file)
	require.NoError(t, err)
	assert.Equal(t, "new", saved.AccessToken)

	// unchanged tokens are not written again
	require.NoError(t, os.Remove(file))
	_, err = ts.Token()
	require.NoError(t, err)
	_, err = os.Stat(file)
	assert.True(t, os.IsNotExist(err))
}

func TestAuthorize_NoCode(t *testing.T) {
	conf := &oauth2.Config{
		ClientID: "id",
		Endpoint: oauth2.Endpoint{AuthURL: "https://accounts.example.com/auth", TokenURL: "https://accounts.example.com/token"},
	}

	var out bytes.Buffer
	_, err := authorize(context.Background(), conf, strings.NewReader("\n"), &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "https://accounts.example.com/auth?")
}
