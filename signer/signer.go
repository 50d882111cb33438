package signer

import (
	"net/url"
	"time"
)

// Credentials identify the storage account on whose behalf URLs are signed.
// They are opaque to everything except a Signer.
type Credentials struct {
	AccessKeyID     string
	AccessKeySecret string
	Region          string
}

// Signer turns an unsigned target URL into one carrying a time-limited
// cryptographic authorization for the given method.
//
// Implementations sign exactly the query parameters present on target, no
// more and no less. The returned URL stops being honored by the storage
// backend once validFor has elapsed from the moment of signing, and signing
// equal inputs at the same instant yields equal output.
type Signer interface {
	SignURL(creds Credentials, method string, target *url.URL, validFor time.Duration) (*url.URL, error)
}
