package web_test

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/getlantern/slotd/broker"
	"github.com/getlantern/slotd/identity"
	"github.com/getlantern/slotd/quota"
	"github.com/getlantern/slotd/router/memrouter"
	"github.com/getlantern/slotd/testsupport"
	"github.com/getlantern/slotd/web"
	"github.com/getlantern/slotd/webclient"

	"testing"

	"github.com/stretchr/testify/require"
)

// testWebSocketUpload runs the full upload protocol suite against a broker
// stacked behind the websocket front end, accounting quota with the given
// ledger.
func testWebSocketUpload(t *testing.T, ledger quota.Ledger) {
	rtr := memrouter.New()
	oracle := testsupport.NewScriptedOracle()
	oracle.Deny(testsupport.DeniedUser)

	proc, err := broker.New(testsupport.Host, testsupport.ServiceConfig(), &broker.Opts{
		Router: rtr,
		Signer: testsupport.NewRecordingSigner(),
		Oracle: oracle,
		Ledger: ledger,
	})
	require.NoError(t, err)
	require.NoError(t, proc.Start())
	defer proc.Stop()

	handler, addr := serveWeb(t, &web.Opts{Router: rtr})

	testsupport.TestUploadService(t, func(t *testing.T, from identity.Requester, language string) testsupport.ClientConnection {
		return connect(t, addr, from, language)
	})

	waitForConnectionsToDrain(t, handler)
}

// serveWeb brings up an HTTP server around a fresh front end handler and
// returns the handler plus the address it listens on.
func serveWeb(t *testing.T, opts *web.Opts) (web.Handler, string) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	handler, err := web.NewHandler(opts)
	require.NoError(t, err)
	server := &http.Server{
		Handler: handler,
	}

	go server.Serve(l)
	return handler, l.Addr().String()
}

func connect(t *testing.T, addr string, from identity.Requester, language string) *webclient.Client {
	url := fmt.Sprintf("ws://%s/", addr)
	t.Logf("connecting to %v as %v", url, from)
	client, err := webclient.Connect(url, from, language, 100)
	require.NoError(t, err)
	return client
}

func waitForConnectionsToDrain(t *testing.T, handler web.Handler) {
	for i := 0; i < 20; i++ {
		if handler.ActiveConnections() == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.Zero(t, handler.ActiveConnections(), "shouldn't have any active connections after waiting 2 seconds")
}
