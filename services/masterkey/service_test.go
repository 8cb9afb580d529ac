package masterkey

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smallbiznis-integrations/pkg/config"
	"smallbiznis-integrations/pkg/errutil"
	"smallbiznis-integrations/pkg/secretbox"
	"smallbiznis-integrations/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestResolveFromConfig(t *testing.T) {
	db := testutil.NewTestDB(t, &AppConfig{})

	cfg := &config.Config{}
	cfg.SecretAES = base64.StdEncoding.EncodeToString(make([]byte, secretbox.KeySize))

	r := NewResolver(ResolverParams{DB: db, Config: cfg})
	key, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, key, secretbox.KeySize)

	// the configured key wins; nothing is written to the store
	var n int64
	require.NoError(t, db.Model(&AppConfig{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestResolveRejectsWrongLengthConfigKey(t *testing.T) {
	db := testutil.NewTestDB(t, &AppConfig{})

	cfg := &config.Config{}
	cfg.SecretAES = base64.StdEncoding.EncodeToString(make([]byte, 16))

	r := NewResolver(ResolverParams{DB: db, Config: cfg})
	_, err := r.Resolve(context.Background())
	require.Error(t, err)
	require.Equal(t, errutil.StatusConfig, errutil.StatusOf(err))
}

func TestResolveBootstrapsAndConverges(t *testing.T) {
	db := testutil.NewTestDB(t, &AppConfig{})
	cfg := &config.Config{}

	r := NewResolver(ResolverParams{DB: db, Config: cfg})
	first, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, first, secretbox.KeySize)

	second, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)

	// a separate resolver over the same store observes the identical key
	other := NewResolver(ResolverParams{DB: db, Config: cfg})
	observed, err := other.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, observed)
}

func TestResolveConcurrentCallersConverge(t *testing.T) {
	db := testutil.NewTestDB(t, &AppConfig{})
	r := NewResolver(ResolverParams{DB: db, Config: &config.Config{}})

	const callers = 8
	keys := make([][]byte, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys[i], errs[i] = r.Resolve(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, keys[0], keys[i])
	}
}

func TestResolveAdoptsPreExistingRow(t *testing.T) {
	db := testutil.NewTestDB(t, &AppConfig{})

	want := make([]byte, secretbox.KeySize)
	for i := range want {
		want[i] = byte(i)
	}
	require.NoError(t, db.Create(&AppConfig{
		Key:   ConfigKeyName,
		Value: base64.StdEncoding.EncodeToString(want),
	}).Error)

	r := NewResolver(ResolverParams{DB: db, Config: &config.Config{}})
	got, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestResolveRejectsMalformedStoredKey(t *testing.T) {
	db := testutil.NewTestDB(t, &AppConfig{})
	require.NoError(t, db.Create(&AppConfig{Key: ConfigKeyName, Value: "not base64"}).Error)

	r := NewResolver(ResolverParams{DB: db, Config: &config.Config{}})
	_, err := r.Resolve(context.Background())
	require.Error(t, err)
	require.Equal(t, errutil.StatusConfig, errutil.StatusOf(err))
}
