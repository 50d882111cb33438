package sigv4

import (
	"net/http"
	"net/url"
	"time"

	"github.com/getlantern/errors"
	miniosigner "github.com/minio/minio-go/v7/pkg/signer"

	"github.com/getlantern/slotd/signer"
)

// New constructs a Signer that presigns URLs with AWS Signature Version 4
// query-string authentication, as accepted by S3 and compatible stores.
func New() signer.Signer {
	return &v4signer{}
}

type v4signer struct{}

func (s *v4signer) SignURL(creds signer.Credentials, method string, target *url.URL, validFor time.Duration) (*url.URL, error) {
	if creds.AccessKeyID == "" || creds.AccessKeySecret == "" {
		// The underlying signer treats empty credentials as anonymous and
		// returns the URL unsigned, which for us would mean issuing an
		// unauthorized upload target.
		return nil, errors.New("unable to sign %v: missing credentials", target)
	}
	req, err := http.NewRequest(method, target.String(), nil)
	if err != nil {
		return nil, errors.New("unable to build request for signing: %v", err)
	}
	signed := miniosigner.PreSignV4(*req, creds.AccessKeyID, creds.AccessKeySecret, "", creds.Region, int64(validFor/time.Second))
	return signed.URL, nil
}
