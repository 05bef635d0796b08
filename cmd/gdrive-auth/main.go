// Command gdrive-auth runs the OAuth consent flow once and prints the refresh
// token the Drive storage provider needs (GDRIVE_REFRESH_TOKEN).
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/storage"
	"sceneforge/internal/worker/util"
)

const consentTimeout = 3 * time.Minute

func main() {
	log := logger.New(logger.Config{Level: "info", Format: "text", Output: os.Stderr})
	if err := run(context.Background()); err != nil {
		log.LogFatal("gdrive auth failed", err)
	}
}

func run(ctx context.Context) error {
	clientID := util.MustEnv("GDRIVE_CLIENT_ID")
	clientSecret := util.MustEnv("GDRIVE_CLIENT_SECRET")

	// 1) Levanta un callback local en un puerto libre
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return errors.Wrap(err, "gdrive-auth", "listen for callback")
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", port)
	conf := storage.OAuthConfig(clientID, clientSecret, redirectURL)

	state := randomState()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	srv := &http.Server{
		Handler:      callbackHandler(state, codeCh, errCh),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	defer srv.Close()

	// 2) URL de autorización (offline => refresh token)
	authURL := conf.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
	fmt.Println("\nOpen this URL in your browser:")
	fmt.Println(authURL)
	fmt.Println("\nWaiting for authorization on", redirectURL)

	// 3) Espera code o error
	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return err
	case <-time.After(consentTimeout):
		return errors.Timeout("gdrive consent")
	}

	// 4) Intercambia code por tokens
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return errors.Wrap(err, "gdrive-auth", "exchange code")
	}

	// The refresh token is only issued on first consent; prompt=consent
	// normally forces it.
	if strings.TrimSpace(tok.RefreshToken) == "" {
		fmt.Println("\nNo refresh_token was returned.")
		fmt.Println("Revoke the app's access at https://myaccount.google.com/permissions and run this again.")
		return nil
	}

	fmt.Println("\nGDRIVE_REFRESH_TOKEN:")
	fmt.Println(tok.RefreshToken)
	return nil
}

func callbackHandler(state string, codeCh chan<- string, errCh chan<- error) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			errCh <- errors.Validation("invalid state")
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "auth error: "+e, http.StatusBadRequest)
			errCh <- errors.Newf(errors.CodeUnauthorized, "auth error: %s", e)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			errCh <- errors.Validation("missing code")
			return
		}

		fmt.Fprintln(w, "OK. You can close this window and return to the terminal.")
		codeCh <- code
	})
	return mux
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
