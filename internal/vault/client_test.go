package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVaultServer(t *testing.T, sealed bool) (*httptest.Server, *int32) {
	t.Helper()
	var reads int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1/sys/health":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"initialized": true,
				"sealed":      sealed,
				"standby":     false,
			})
		case r.URL.Path == "/v1/kv/data/metapulse" && r.Method == http.MethodGet:
			assert.Equal(t, "root-token", r.Header.Get("X-Vault-Token"))
			atomic.AddInt32(&reads, 1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"data": map[string]interface{}{
						"ai_api_key":     "sk-live",
						"session_secret": "s3cret",
						"redis_db":       2,
					},
				},
			})
		case r.URL.Path == "/v1/kv/data/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &reads
}

func TestReadSecrets(t *testing.T) {
	srv, reads := newVaultServer(t, false)

	c, err := NewClient(Config{Enabled: true, Address: srv.URL, Token: "root-token", MountPath: "kv"})
	require.NoError(t, err)
	require.True(t, c.IsEnabled())

	secrets, err := c.ReadSecrets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sk-live", secrets["ai_api_key"])
	assert.Equal(t, "s3cret", secrets["session_secret"])
	assert.Equal(t, "2", secrets["redis_db"])

	_, err = c.ReadSecrets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(reads), "second read is cached")
}

func TestReadSecretsMissingPath(t *testing.T) {
	srv, _ := newVaultServer(t, false)

	c, err := NewClient(Config{Enabled: true, Address: srv.URL, Token: "root-token", MountPath: "kv", SecretPath: "missing"})
	require.NoError(t, err)

	_, err = c.ReadSecrets(context.Background())
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestHealth(t *testing.T) {
	srv, _ := newVaultServer(t, false)
	c, err := NewClient(Config{Enabled: true, Address: srv.URL, Token: "root-token"})
	require.NoError(t, err)
	assert.NoError(t, c.Health(context.Background()))

	sealedSrv, _ := newVaultServer(t, true)
	sealed, err := NewClient(Config{Enabled: true, Address: sealedSrv.URL, Token: "root-token"})
	require.NoError(t, err)
	assert.Error(t, sealed.Health(context.Background()))
}

func TestDisabledClient(t *testing.T) {
	c, err := NewClient(Config{})
	require.NoError(t, err)

	assert.False(t, c.IsEnabled())
	secrets, err := c.ReadSecrets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, secrets)
	assert.NoError(t, c.Health(context.Background()))
}
