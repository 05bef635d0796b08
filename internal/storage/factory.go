package storage

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"sceneforge/internal/adapters/storage/gdrive"
	"sceneforge/internal/adapters/storage/localfs"
	"sceneforge/internal/config"
	"sceneforge/internal/pkg/errors"
)

// NewProvider returns the provider selected by cfg.Provider ("localfs" when
// empty).
func NewProvider(ctx context.Context, cfg config.StorageConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "localfs":
		if cfg.LocalRoot == "" {
			return nil, errors.ValidationField("storage.local_root", "STORAGE_LOCAL_ROOT is required")
		}
		return localfs.New(cfg.LocalRoot), nil

	case "gdrive":
		return newGDriveProvider(ctx, cfg.GDrive)

	default:
		return nil, errors.ValidationField("storage.provider", fmt.Sprintf("unknown storage provider: %s", cfg.Provider))
	}
}

func newGDriveProvider(ctx context.Context, cfg config.GDriveConfig) (Provider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, errors.ValidationField("storage.gdrive", "gdrive client id, secret and refresh token are required")
	}

	conf := OAuthConfig(cfg.ClientID, cfg.ClientSecret, "")
	tok := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	httpClient := conf.Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "storage.gdrive", "create drive service")
	}

	return gdrive.NewClient(srv, cfg.FolderID), nil
}

// OAuthConfig is the Drive OAuth client shared by the provider and the
// token bootstrap tool.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
}
