package testsupport

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/getlantern/slotd/broker"
	"github.com/getlantern/slotd/identity"
	"github.com/getlantern/slotd/model"
	"github.com/getlantern/slotd/policy/staticpolicy"
	"github.com/getlantern/slotd/util"

	"testing"

	"github.com/stretchr/testify/require"
)

const (
	// Host is the logical host the service under test serves.
	Host = "example.test"
	// EndpointAddr is where that host answers, using the default endpoint
	// template.
	EndpointAddr = "upload." + Host

	MaxFileSize       = 100000
	QuotaPerRequester = 150000
	QuotaWindow       = time.Hour
	PutTTL            = 5 * time.Minute

	// DeniedUser is the one requester the service under test must deny;
	// requesters at Host must be admitted.
	DeniedUser = identity.Requester("mallory@other.example")
)

var (
	mb model.MessageBuilder
)

// ServiceConfig returns the upload configuration TestUploadService expects
// the service under test to serve Host with.
func ServiceConfig() *broker.Config {
	return &broker.Config{
		AccessKeyID:       "AKIAUPLOADTEST",
		AccessKeySecret:   "testsecret",
		Region:            "us-east-1",
		BucketURL:         "https://bucket.test/files",
		MaxSize:           MaxFileSize,
		SetPublic:         true,
		PutTTL:            PutTTL,
		Access:            staticpolicy.RuleLocal,
		QuotaPerRequester: QuotaPerRequester,
		QuotaWindow:       QuotaWindow,
	}
}

// UniqueRequester returns a fresh requester at Host, so repeated runs
// against a persistent quota backend do not share balances.
func UniqueRequester(name string) identity.Requester {
	return identity.Requester(fmt.Sprintf("%v-%d@%v", name, time.Now().UnixNano(), Host))
}

// ClientConnection is a client's view of one connection to the service
// under test.
type ClientConnection interface {
	Send(msg model.Message)
	Receive() model.Message
	Drain() int
	Close()
}

// TestUploadService runs a comprehensive test of the upload protocol against
// a running service. connect must yield a connection bound to the given
// requester; the service is expected to serve Host per ServiceConfig,
// admitting requesters at Host and denying everyone else, with a
// passthrough translator.
func TestUploadService(t *testing.T, connect func(t *testing.T, from identity.Requester, language string) ClientConnection) {
	roundTrip := func(t *testing.T, client ClientConnection, msg model.Message) model.Message {
		client.Send(msg)
		reply := client.Receive()
		require.NotNil(t, reply, "connection closed instead of answering")
		require.Equal(t, msg.Sequence(), reply.Sequence(), "reply should echo the request sequence")
		return reply
	}

	requestSlot := func(t *testing.T, client ClientConnection, req *model.SlotRequest) model.Message {
		msg, err := mb.NewSlotRequest(req)
		require.NoError(t, err)
		return roundTrip(t, client, msg)
	}

	expectSlot := func(t *testing.T, reply model.Message) *model.Slot {
		require.EqualValues(t, model.TypeSlot, reply.Type())
		slot, err := reply.Slot()
		require.NoError(t, err)
		return slot
	}

	expectError := func(t *testing.T, reply model.Message, code uint16) *model.Error {
		require.EqualValues(t, model.TypeError, reply.Type())
		protoErr, err := reply.Error()
		require.NoError(t, err)
		require.EqualValues(t, code, protoErr.Code)
		require.NotEmpty(t, protoErr.Description)
		return protoErr
	}

	alice := UniqueRequester("alice")
	clientA := connect(t, alice, "en")
	defer clientA.Close()

	t.Run("discover the endpoint", func(t *testing.T) {
		msg, err := mb.NewDiscover(&model.Discover{To: EndpointAddr, Language: "en"})
		require.NoError(t, err)
		reply := roundTrip(t, clientA, msg)
		require.EqualValues(t, model.TypeDiscovered, reply.Type())
		discovered, err := reply.Discovered()
		require.NoError(t, err)

		require.Len(t, discovered.Identities, 1)
		require.Equal(t, model.IdentityCategory, discovered.Identities[0].Category)
		require.Equal(t, model.IdentityType, discovered.Identities[0].Type)
		require.Equal(t, broker.DefaultServiceName, discovered.Identities[0].Name)
		require.Contains(t, discovered.Features, model.NSUpload)

		fields := fieldValues(discovered)
		require.Equal(t, model.NSUpload, fields[model.FieldFormType])
		require.Equal(t, strconv.Itoa(MaxFileSize), fields[model.FieldMaxFileSize])
		require.Zero(t, clientA.Drain())
	})

	t.Run("request a slot", func(t *testing.T) {
		before := util.NowUnixMillis()
		slot := expectSlot(t, requestSlot(t, clientA, &model.SlotRequest{
			To:          EndpointAddr,
			Filename:    "cat.png",
			Size:        1024,
			ContentType: "image/png",
			Language:    "en",
		}))
		after := util.NowUnixMillis()

		put, err := url.Parse(slot.PutURL)
		require.NoError(t, err)
		get, err := url.Parse(slot.GetURL)
		require.NoError(t, err)

		require.True(t, strings.HasPrefix(put.EscapedPath(), "/files/"+alice.Hash()+"/"),
			"upload path %v should sit under the requester's namespace", put.EscapedPath())
		require.True(t, strings.HasSuffix(put.EscapedPath(), "/cat.png"))
		require.Equal(t, put.EscapedPath(), get.EscapedPath(), "both URLs should point at the same object")

		putQuery := put.Query()
		require.Equal(t, "image/png", putQuery.Get("Content-Type"))
		require.Equal(t, "1024", putQuery.Get("Content-Length"))
		require.Equal(t, "public-read", putQuery.Get("x-amz-acl"))
		require.True(t, len(putQuery) > 3, "upload URL should carry a signature beyond the canonical parameters")
		require.Empty(t, get.RawQuery, "download URL should be unsigned")

		require.Greater(t, slot.ExpiresAt, before)
		require.LessOrEqual(t, slot.ExpiresAt, after+PutTTL.Milliseconds())
		require.Zero(t, clientA.Drain())
	})

	t.Run("object names do not repeat", func(t *testing.T) {
		req := &model.SlotRequest{To: EndpointAddr, Filename: "same.bin", Size: 10, Language: "en"}
		first := expectSlot(t, requestSlot(t, clientA, req))
		second := expectSlot(t, requestSlot(t, clientA, req))
		require.NotEqual(t, first.PutURL, second.PutURL)
		require.NotEqual(t, first.GetURL, second.GetURL)
	})

	t.Run("refuse oversize requests", func(t *testing.T) {
		reply := requestSlot(t, clientA, &model.SlotRequest{
			To:       EndpointAddr,
			Filename: "huge.iso",
			Size:     MaxFileSize + 1,
			Language: "en",
		})
		protoErr := expectError(t, reply, model.ErrCodeNotAcceptable)
		require.EqualValues(t, MaxFileSize, protoErr.Limit)
		require.Contains(t, protoErr.Description, strconv.Itoa(MaxFileSize))
	})

	t.Run("refuse denied requesters", func(t *testing.T) {
		clientM := connect(t, DeniedUser, "en")
		defer clientM.Close()

		reply := requestSlot(t, clientM, &model.SlotRequest{
			To:       EndpointAddr,
			Filename: "sneaky.txt",
			Size:     10,
			Language: "en",
		})
		expectError(t, reply, model.ErrCodeForbidden)

		// The size ceiling outranks the access rule, so an oversize request
		// reports oversize even from a denied requester.
		reply = requestSlot(t, clientM, &model.SlotRequest{
			To:       EndpointAddr,
			Filename: "huge.iso",
			Size:     MaxFileSize + 1,
			Language: "en",
		})
		expectError(t, reply, model.ErrCodeNotAcceptable)
	})

	t.Run("exhaust the upload quota", func(t *testing.T) {
		quincy := UniqueRequester("quincy")
		clientQ := connect(t, quincy, "en")
		defer clientQ.Close()

		ask := func(size uint64) model.Message {
			return requestSlot(t, clientQ, &model.SlotRequest{
				To:       EndpointAddr,
				Filename: "chunk.bin",
				Size:     size,
				Language: "en",
			})
		}

		expectSlot(t, ask(80000))
		refused := expectError(t, ask(80000), model.ErrCodeRetryLater)
		require.EqualValues(t, QuotaPerRequester, refused.Limit)
		expectSlot(t, ask(60000))
		expectError(t, ask(20000), model.ErrCodeRetryLater)
		expectSlot(t, ask(10000))
		expectError(t, ask(1), model.ErrCodeRetryLater)
	})

	t.Run("answer malformed requests and keep serving", func(t *testing.T) {
		reply := requestSlot(t, clientA, &model.SlotRequest{To: EndpointAddr, Size: 10, Language: "en"})
		expectError(t, reply, model.ErrCodeBadRequest)

		reply = requestSlot(t, clientA, &model.SlotRequest{To: EndpointAddr, Filename: "empty.txt", Language: "en"})
		expectError(t, reply, model.ErrCodeBadRequest)

		reply = roundTrip(t, clientA, mb.NewMessage(model.TypeSlotRequest, []byte{0xc1}))
		expectError(t, reply, model.ErrCodeBadRequest)

		reply = roundTrip(t, clientA, mb.NewMessage(model.Type(77), nil))
		expectError(t, reply, model.ErrCodeBadRequest)

		expectSlot(t, requestSlot(t, clientA, &model.SlotRequest{
			To:       EndpointAddr,
			Filename: "fine.txt",
			Size:     10,
			Language: "en",
		}))
	})

	t.Run("answer queries for unknown endpoints", func(t *testing.T) {
		msg, err := mb.NewDiscover(&model.Discover{To: "nowhere." + Host, Language: "en"})
		require.NoError(t, err)
		reply := roundTrip(t, clientA, msg)
		expectError(t, reply, model.ErrCodeItemNotFound)
		require.Zero(t, clientA.Drain())
	})
}

func fieldValues(discovered *model.Discovered) map[string]string {
	fields := make(map[string]string, len(discovered.Fields))
	for _, field := range discovered.Fields {
		fields[field.Var] = field.Value
	}
	return fields
}
