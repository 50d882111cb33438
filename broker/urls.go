package broker

import (
	"crypto/rand"
	"encoding/base32"
	"net/url"
	"strconv"
	"strings"

	"github.com/getlantern/errors"

	"github.com/getlantern/slotd/identity"
	"github.com/getlantern/slotd/model"
)

const (
	paramContentType   = "Content-Type"
	paramContentLength = "Content-Length"
	paramACL           = "x-amz-acl"
	aclPublicRead      = "public-read"

	randomSegmentLength = 20
)

// base32 over a lowercase alphanumeric alphabet without the easily-confused
// l, o, 0 and 1, so object names read cleanly in URLs and logs.
var nameEncoding = base32.NewEncoding("abcdefghijkmnpqrstuvwxyz23456789").WithPadding(base32.NoPadding)

// objectName derives the storage path for one granted slot:
//
//   <sha256 of requester, hex> / <random segment> / <escaped filename>
//
// The hash namespaces objects per requester without putting the raw address
// in the path; the random segment makes names unguessable and collision-free
// without any broker-side bookkeeping, so it has to come from a
// cryptographically secure source. The filename is percent-encoded so that
// whatever the client declared stays a single path segment.
func objectName(requester identity.Requester, filename string) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", errors.New("unable to generate random segment: %v", err)
	}
	segment := nameEncoding.EncodeToString(random)[:randomSegmentLength]
	return requester.Hash() + "/" + segment + "/" + url.PathEscape(filename), nil
}

// resolveObject appends an object name to a base URL, keeping the base's
// query parameters and keeping the object name's percent-escapes intact in
// the printed URL.
func resolveObject(base *url.URL, objName string) (*url.URL, error) {
	escaped := strings.TrimSuffix(base.EscapedPath(), "/") + "/" + objName
	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, errors.New("unable to resolve object %v against %v: %v", objName, base, err)
	}
	u := *base
	// Path carries the decoded form, RawPath the escaped one; setting both
	// keeps EscapedPath, and therefore String, using our escaping.
	u.Path = unescaped
	u.RawPath = escaped
	return &u, nil
}

// unsignedPutURL builds the PUT target for an object before signing: the
// object resolved against the storage base, decorated with the declared
// content type and length as query parameters, plus the public-read ACL
// directive when configured. The signer signs exactly these parameters, so
// the storage backend will hold the uploader to them.
func unsignedPutURL(params *ServiceParameters, objName string, req *model.SlotRequest) (*url.URL, error) {
	target, err := resolveObject(params.StorageBaseURL, objName)
	if err != nil {
		return nil, err
	}
	q := target.Query()
	if req.ContentType != "" {
		q.Set(paramContentType, req.ContentType)
	}
	q.Set(paramContentLength, strconv.FormatUint(req.Size, 10))
	if params.PublicRead {
		q.Set(paramACL, aclPublicRead)
	}
	target.RawQuery = q.Encode()
	return target, nil
}

// getURL builds the stable download URL for an object: the object resolved
// against the download base when one is configured, else against the storage
// base. Never signed.
func getURL(params *ServiceParameters, objName string) (*url.URL, error) {
	base := params.DownloadBaseURL
	if base == nil {
		base = params.StorageBaseURL
	}
	return resolveObject(base, objName)
}
