package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sceneforge/internal/config"
	"sceneforge/internal/pkg/errors"
)

func TestNewProvider(t *testing.T) {
	ctx := context.Background()

	p, err := NewProvider(ctx, config.StorageConfig{LocalRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "localfs", p.Provider())

	_, err = NewProvider(ctx, config.StorageConfig{Provider: "localfs"})
	assert.True(t, errors.IsValidation(err))

	_, err = NewProvider(ctx, config.StorageConfig{Provider: "s3"})
	assert.True(t, errors.IsValidation(err))

	_, err = NewProvider(ctx, config.StorageConfig{Provider: "gdrive", GDrive: config.GDriveConfig{ClientID: "id"}})
	assert.True(t, errors.IsValidation(err))

	p, err = NewProvider(ctx, config.StorageConfig{Provider: "gdrive", GDrive: config.GDriveConfig{
		ClientID: "id", ClientSecret: "secret", RefreshToken: "refresh", FolderID: "folder",
	}})
	require.NoError(t, err)
	assert.Equal(t, "gdrive", p.Provider())
}

func TestOAuthConfig(t *testing.T) {
	c := OAuthConfig("id", "secret", "http://localhost:8085/callback")
	assert.Equal(t, "http://localhost:8085/callback", c.RedirectURL)
	assert.Len(t, c.Scopes, 1)
}
