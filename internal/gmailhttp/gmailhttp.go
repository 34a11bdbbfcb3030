// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gmailhttp builds an OAuth 2.0 HTTP client for the GMail
// API.
//
// Client credentials are read from credentials.json in the
// application config directory.  The first run walks the user
// through the three-legged consent flow on the terminal and caches
// the resulting token in token.json; later runs reuse and refresh
// that token silently.  Deleting token.json signs the account out.
package gmailhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/inboxfold/inboxfold/internal/gmail"
	"github.com/inboxfold/inboxfold/internal/homedir"
)

const (
	credentialsFile = "credentials.json"
	tokenFile       = "token.json"
)

// New returns an HTTP client authorized for reading and sending
// mail.  It may prompt on the terminal when no cached token exists.
func New(ctx context.Context) (*http.Client, error) {
	dir, err := homedir.ConfigDir()
	if err != nil {
		return nil, errors.Wrap(err, "unable to locate config directory")
	}

	b, err := os.ReadFile(filepath.Join(dir, credentialsFile))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read %s", credentialsFile)
	}
	conf, err := google.ConfigFromJSON(b, gmail.ReadScope, gmail.SendScope)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse client credentials")
	}

	tokenPath := filepath.Join(dir, tokenFile)
	tok, err := tokenFromFile(tokenPath)
	if err != nil {
		tok, err = tokenFromWeb(ctx, conf)
		if err != nil {
			return nil, err
		}
		if err := saveToken(tokenPath, tok); err != nil {
			return nil, err
		}
	}
	return conf.Client(ctx, tok), nil
}

// SignOut discards the cached token so the next New must re-consent.
func SignOut() error {
	dir, err := homedir.ConfigDir()
	if err != nil {
		return errors.Wrap(err, "unable to locate config directory")
	}
	err = os.Remove(filepath.Join(dir, tokenFile))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "unable to remove cached token")
	}
	return nil
}

func tokenFromWeb(ctx context.Context, conf *oauth2.Config) (*oauth2.Token, error) {
	authURL := conf.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser then type the "+
		"authorization code:\n%v\n", authURL)

	var authCode string
	if _, err := fmt.Scan(&authCode); err != nil {
		return nil, errors.Wrap(err, "unable to read authorization code")
	}
	tok, err := conf.Exchange(ctx, authCode)
	if err != nil {
		return nil, errors.Wrap(err, "unable to exchange authorization code")
	}
	return tok, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, errors.Wrapf(err, "unable to decode %s", path)
	}
	return tok, nil
}

func saveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrap(err, "unable to cache oauth token")
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(token); err != nil {
		return errors.Wrap(err, "unable to encode oauth token")
	}
	return nil
}
