package gdrive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// OAuth returns a read only Google Drive service.
//
// clientCredFile is the client_credentials.json of the Google Developers Console
// (https://console.developers.google.com, under "Credentials").
// A missing or invalid token file starts the interactive authorization on stdin/stdout.
// Refreshed tokens are written back to the token file.
func OAuth(ctx context.Context, clientCredFile, tokenFile string) (*drive.Service, error) {
	conf, err := readClientConfig(clientCredFile)
	if err != nil {
		logrus.Errorf("%s/OAuth: %v", packageName, err)
		return nil, err
	}

	tok, err := readToken(tokenFile)
	if err != nil {
		logrus.Warnf("%s/OAuth: %v", packageName, err)
		if tok, err = authorize(ctx, conf, os.Stdin, os.Stdout); err != nil {
			return nil, err
		}
		if err := writeToken(tokenFile, tok); err != nil {
			return nil, err
		}
	}

	ts := &_SavingTokenSource{
		src:  conf.TokenSource(ctx, tok),
		file: tokenFile,
		last: tok.AccessToken,
	}
	service, err := drive.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, errors.Wrap(err, "gdrive/OAuth")
	}
	return service, nil
}

//--------  TOKEN  ---------------------------------------------------------------------------------------------------//

// _SavingTokenSource writes every new access token to the token file.
type _SavingTokenSource struct {
	src  oauth2.TokenSource
	file string

	mux  sync.Mutex
	last string // access token in the file
}

func (s *_SavingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	if tok.AccessToken != s.last {
		if err := writeToken(s.file, tok); err != nil {
			logrus.Warnf("%s/Token: %v", packageName, err)
		} else {
			s.last = tok.AccessToken
		}
	}
	return tok, nil
}

func readClientConfig(file string) (*oauth2.Config, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "gdrive/readClientConfig")
	}

	conf, err := google.ConfigFromJSON(b, drive.DriveReadonlyScope)
	if err != nil {
		return nil, errors.Wrap(err, "gdrive/readClientConfig")
	}
	return conf, nil
}

func readToken(file string) (*oauth2.Token, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "gdrive/readToken")
	}

	tok := new(oauth2.Token)
	if err := json.Unmarshal(b, tok); err != nil {
		return nil, errors.Wrap(err, "gdrive/readToken")
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.Errorf("gdrive/readToken: %s has no token", file)
	}
	return tok, nil
}

// writeToken replaces the token file atomically (0600).
func writeToken(file string, tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return errors.Wrap(err, "gdrive/writeToken")
	}
	if err := atomic.WriteFile(file, bytes.NewReader(b)); err != nil {
		return errors.Wrap(err, "gdrive/writeToken")
	}
	return errors.Wrap(os.Chmod(file, 0600), "gdrive/writeToken")
}

// authorize asks the user to open the auth url and to paste the authorization code.
func authorize(ctx context.Context, conf *oauth2.Config, in io.Reader, out io.Writer) (*oauth2.Token, error) {
	authURL := conf.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	_, _ = fmt.Fprintf(out, "\nOpen the link and allow read access: %v\n\nAuthorization code: ", authURL)

	code, err := bufio.NewReader(in).ReadString('\n')
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.Errorf("gdrive/authorize: no authorization code: %v", err)
	}

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "gdrive/authorize")
	}
	return tok, nil
}
