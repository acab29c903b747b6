package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/midas-platform/midas/pkg/config"
)

const sampleConfig = `
port: "9095"
dbio:
  backend: inmem
  superusers: [rlp]
  allowed_shoulders: [mdm1, mds3]
  default_shoulder: mdm1
  compat:
    publish_always_disown: true
jwt_auth:
  key: secret
services:
  dmp:
    conventions:
      mdm1:
        type: dmp/mdm1
        review_systems:
          extrev/nps/leg: nps
  dap:
    conventions:
      mds3:
        type: dap/mds3
        publish_on_approval: true
resolver:
  naan: "88434"
  rmm_base_url: https://data.example.gov/rmm
  cache_dir: /var/cache/midas
rate_limit:
  per_second: 10
  burst: 20
`

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "midas.yml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MIDAS_PORT", "")
	t.Setenv("MIDAS_LOG_LEVEL", "")
	t.Setenv("MIDAS_DBIO_BACKEND", "")
	t.Setenv("MIDAS_DBIO_DIR", "")
	t.Setenv("MIDAS_JWT_KEY", "")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "9091", cfg.Port)
	require.Equal(t, "INFO", cfg.LogLevel)
	require.Equal(t, "fsbased", cfg.DBIO.Backend)
	require.Equal(t, "./data", cfg.DBIO.Dir)
	require.Equal(t, "HS256", cfg.JWTAuth.Algorithm)
	require.Equal(t, 20, cfg.Resolver.TimeoutSec)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("MIDAS_PORT", "")
	t.Setenv("MIDAS_JWT_KEY", "")

	cfg, err := config.Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "9095", cfg.Port)
	require.Equal(t, "inmem", cfg.DBIO.Backend)
	require.True(t, cfg.DBIO.Compat.PublishAlwaysDisown)
	require.False(t, cfg.DBIO.Compat.QueryNoRecurse)

	conv := cfg.Services["dmp"].Conventions["mdm1"]
	coll, shoulder := conv.Collection()
	require.Equal(t, "dmp", coll)
	require.Equal(t, "mdm1", shoulder)
	require.Equal(t, "nps", conv.ReviewSystems["extrev/nps/leg"])

	// single-convention services get an implied default
	require.Equal(t, "mdm1", cfg.Services["dmp"].Default)
	require.True(t, cfg.Services["dap"].Conventions["mds3"].PublishOnApproval)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MIDAS_PORT", "8099")
	t.Setenv("MIDAS_JWT_KEY", "env-secret")
	t.Setenv("MIDAS_DBIO_BACKEND", "inmem")

	cfg, err := config.Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "8099", cfg.Port)
	require.Equal(t, "env-secret", cfg.JWTAuth.Key)
	require.Equal(t, "inmem", cfg.DBIO.Backend)
}

func TestValidateReportsAllProblems(t *testing.T) {
	t.Setenv("MIDAS_JWT_KEY", "")
	t.Setenv("MIDAS_DBIO_BACKEND", "")
	cfg, err := config.Load(writeConfig(t, `
dbio:
  backend: cassandra
jwt_auth:
  algorithm: RS256
services:
  dmp:
    conventions:
      mdm1:
        type: not-a-pair
    default: missing
rate_limit:
  per_second: 10
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	var cerr *config.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, err.Error(), `unrecognized backend "cassandra"`)
	require.Contains(t, err.Error(), `unsupported algorithm "RS256"`)
	require.Contains(t, err.Error(), "jwt_auth.key")
	require.Contains(t, err.Error(), "not of the form collection/shoulder")
	require.Contains(t, err.Error(), `unknown convention "missing"`)
	require.Contains(t, err.Error(), "rate_limit.burst")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load("/no/such/config.yml")
	require.Error(t, err)
}
