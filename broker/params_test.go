package broker

import (
	"time"

	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		AccessKeyID:     "AKIAEXAMPLE",
		AccessKeySecret: "secret",
		Region:          "eu-west-1",
		BucketURL:       "https://bucket.example.net/uploads",
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.ApplyDefaults()
	require.Equal(t, DefaultServiceName, cfg.ServiceName)
	require.Equal(t, []string{DefaultEndpointTemplate}, cfg.Endpoints)
	require.Equal(t, DefaultPutTTL, cfg.PutTTL)
	require.Zero(t, cfg.MaxSize, "an absent size ceiling means unbounded and stays zero")
	require.Zero(t, cfg.QuotaWindow, "no window is needed while quotas are disabled")

	cfg = validConfig()
	cfg.QuotaPerRequester = 1000
	cfg.ApplyDefaults()
	require.Equal(t, DefaultQuotaWindow, cfg.QuotaWindow)

	cfg = validConfig()
	cfg.ServiceName = "Files R Us"
	cfg.Endpoints = []string{"files.@HOST@"}
	cfg.PutTTL = time.Minute
	cfg.ApplyDefaults()
	require.Equal(t, "Files R Us", cfg.ServiceName)
	require.Equal(t, []string{"files.@HOST@"}, cfg.Endpoints)
	require.Equal(t, time.Minute, cfg.PutTTL)
}

func TestBuildServiceParameters(t *testing.T) {
	cfg := validConfig()
	cfg.DownloadURL = "https://cdn.example.net/"
	cfg.MaxSize = 5000
	cfg.SetPublic = true
	cfg.Access = "local"
	cfg.QuotaPerRequester = 100000
	cfg.Endpoints = []string{"upload.@HOST@", "files.@HOST@", "upload.@HOST@", "static.example.net"}
	cfg.ApplyDefaults()

	params, err := buildServiceParameters("example.com", cfg)
	require.NoError(t, err)
	require.Equal(t, "example.com", params.LogicalHost)
	require.Equal(t,
		[]string{"upload.example.com", "files.example.com", "static.example.net"},
		params.EndpointAddresses,
		"placeholders should expand once and duplicates collapse, keeping order")
	require.Equal(t, "https://bucket.example.net/uploads", params.StorageBaseURL.String())
	require.Equal(t, "https://cdn.example.net/", params.DownloadBaseURL.String())
	require.EqualValues(t, 5000, params.MaxSize)
	require.True(t, params.PublicRead)
	require.Equal(t, "AKIAEXAMPLE", params.Credentials.AccessKeyID)
	require.Equal(t, "secret", params.Credentials.AccessKeySecret)
	require.Equal(t, "eu-west-1", params.Credentials.Region)
	require.Equal(t, "local", params.AccessPolicy)
	require.EqualValues(t, 100000, params.QuotaPerRequester)
	require.Equal(t, DefaultQuotaWindow, params.QuotaWindow)
}

func TestBuildServiceParametersRejectsBadConfig(t *testing.T) {
	missingID := validConfig()
	missingID.AccessKeyID = ""

	missingSecret := validConfig()
	missingSecret.AccessKeySecret = ""

	relativeBucket := validConfig()
	relativeBucket.BucketURL = "bucket/uploads"

	hostlessBucket := validConfig()
	hostlessBucket.BucketURL = "mailto:files@example.com"

	badDownload := validConfig()
	badDownload.DownloadURL = "cdn.example.net/files"

	for name, cfg := range map[string]*Config{
		"missing access key ID": missingID,
		"missing secret":        missingSecret,
		"relative bucket URL":   relativeBucket,
		"hostless bucket URL":   hostlessBucket,
		"relative download URL": badDownload,
	} {
		t.Run(name, func(t *testing.T) {
			cfg.ApplyDefaults()
			_, err := buildServiceParameters("example.com", cfg)
			require.Error(t, err)
		})
	}
}
