package web

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/slotd/identity"
	"github.com/getlantern/slotd/model"
	"github.com/getlantern/slotd/router"
	"github.com/getlantern/slotd/telemetry"
)

const (
	// HeaderUser carries the authenticated requester address, set by the
	// reverse proxy terminating authentication in front of us.
	HeaderUser = "X-Forwarded-User"

	// HeaderLanguage is the standard Accept-Language header; its first tag
	// becomes the connection's language for human-readable text.
	HeaderLanguage = "Accept-Language"

	defaultBufferDepth      = 128
	defaultLimiterCacheSize = 1024
)

var (
	log = golog.LoggerFor("web")
)

// Translator localizes human-readable protocol text for a requester's
// declared language.
type Translator func(language string, text string) string

type Opts struct {
	// The Router to resolve endpoint addresses against. Required.
	Router router.Router
	// Localizes error text sent by the front end itself, defaults to a
	// passthrough
	Translator Translator
	// Sustained messages per second allowed per requester, zero disables
	// rate limiting
	RatePerSecond float64
	// Momentary burst allowed on top of RatePerSecond, defaults to 1
	RateBurst int
	// How many replies to buffer per connection before dropping
	BufferDepth int
	// How many per-requester rate limiters to keep cached
	LimiterCacheSize int
}

func (opts *Opts) ApplyDefaults() {
	if opts.Translator == nil {
		opts.Translator = func(language string, text string) string { return text }
		log.Debug("Defaulted to passthrough translator")
	}
	if opts.BufferDepth <= 0 {
		opts.BufferDepth = defaultBufferDepth
		log.Debugf("Defaulted BufferDepth to: %d", opts.BufferDepth)
	}
	if opts.LimiterCacheSize <= 0 {
		opts.LimiterCacheSize = defaultLimiterCacheSize
		log.Debugf("Defaulted LimiterCacheSize to: %d", opts.LimiterCacheSize)
	}
	if opts.RatePerSecond > 0 && opts.RateBurst <= 0 {
		opts.RateBurst = 1
		log.Debugf("Defaulted RateBurst to: %d", opts.RateBurst)
	}
}

func (opts *Opts) check() error {
	if opts.Router == nil {
		return errors.New("please specify a Router")
	}
	return nil
}

type Handler interface {
	http.Handler

	// ActiveConnections tells us how many active client connections the Handler has in flight
	ActiveConnections() int
}

type handler struct {
	rtr               router.Router
	translator        Translator
	limiters          *lru.Cache
	ratePerSecond     rate.Limit
	rateBurst         int
	bufferDepth       int
	upgrader          *websocket.Upgrader
	activeConnections int64
	mb                model.MessageBuilder
}

func NewHandler(opts *Opts) (Handler, error) {
	opts.ApplyDefaults()
	if err := opts.check(); err != nil {
		return nil, err
	}
	h := &handler{
		rtr:           opts.Router,
		translator:    opts.Translator,
		ratePerSecond: rate.Limit(opts.RatePerSecond),
		rateBurst:     opts.RateBurst,
		bufferDepth:   opts.BufferDepth,
		upgrader:      &websocket.Upgrader{},
	}
	if opts.RatePerSecond > 0 {
		limiters, err := lru.New(opts.LimiterCacheSize)
		if err != nil {
			return nil, errors.New("unable to build limiter cache: %v", err)
		}
		h.limiters = limiters
	}
	return h, nil
}

func (h *handler) ActiveConnections() int {
	return int(atomic.LoadInt64(&h.activeConnections))
}

func (h *handler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	from := identity.Requester(req.Header.Get(HeaderUser))
	if from == "" {
		log.Errorf("rejecting connection without %v", HeaderUser)
		resp.WriteHeader(http.StatusUnauthorized)
		return
	}
	language := preferredLanguage(req.Header.Get(HeaderLanguage))

	conn, err := h.upgrader.Upgrade(resp, req, nil)
	if err != nil {
		log.Errorf("unable to upgrade to websocket: %v", err)
		return
	}
	defer conn.Close()

	atomic.AddInt64(&h.activeConnections, 1)
	telemetry.ActiveWebConnections.Inc()
	defer func() {
		atomic.AddInt64(&h.activeConnections, -1)
		telemetry.ActiveWebConnections.Dec()
	}()

	c := &clientConn{
		h:        h,
		id:       uuid.New().String(),
		from:     from,
		language: language,
		out:      make(chan model.Message, h.bufferDepth),
		stop:     make(chan interface{}),
	}
	limiter := h.limiterFor(from)
	log.Debugf("%v connected as %v", from, c.id)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()

		for {
			select {
			case msg := <-c.out:
				err := conn.WriteMessage(websocket.BinaryMessage, msg)
				if err != nil {
					log.Debugf("error writing to %v: %v", c.id, err)
					return
				}
			case <-c.stop:
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer close(c.stop)

		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					log.Debugf("error reading from %v: %v", c.id, err)
				}
				return
			}
			if limiter != nil {
				// Backpressure, not an error: the requester's reads just
				// slow down until they are back under the rate.
				if err := limiter.Wait(req.Context()); err != nil {
					return
				}
			}
			msg, err := model.Parse(b)
			if err != nil {
				log.Debugf("unparseable message from %v: %v", c.id, err)
				c.sendError(0, model.ErrUnparseable)
				continue
			}
			c.dispatch(msg)
		}
	}()

	wg.Wait()
}

// limiterFor returns the requester's shared rate limiter, or nil when rate
// limiting is off. Two concurrent misses may each build a limiter; the last
// one added wins, which only briefly doubles the allowance.
func (h *handler) limiterFor(requester identity.Requester) *rate.Limiter {
	if h.limiters == nil {
		return nil
	}
	key := requester.String()
	cached, found := h.limiters.Get(key)
	if found {
		return cached.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(h.ratePerSecond, h.rateBurst)
	h.limiters.Add(key, limiter)
	return limiter
}

func (h *handler) translate(language string, text string) string {
	return h.translator(language, text)
}

// clientConn is the server side of one websocket connection: the identity
// the proxy bound it to plus the reply channel its write pump drains.
type clientConn struct {
	h        *handler
	id       string
	from     identity.Requester
	language string
	out      chan model.Message
	stop     chan interface{}
}

// dispatch routes one parsed message to the endpoint it addresses. Every
// failure mode answers the client; nothing is dropped silently except
// replies that no longer fit the buffer.
func (c *clientConn) dispatch(msg model.Message) {
	to, language, protoErr := destination(msg)
	if protoErr != nil {
		log.Debugf("undeliverable message from %v: %v", c.id, protoErr)
		c.sendError(msg.Sequence(), protoErr)
		return
	}
	if language == "" {
		language = c.language
	}
	handler := c.h.rtr.Lookup(to)
	if handler == nil {
		log.Debugf("no endpoint %v for %v", to, c.id)
		c.sendError(msg.Sequence(), model.ErrItemNotFound)
		return
	}
	err := handler.Deliver(&router.Exchange{
		From:     c.from,
		To:       to,
		Language: language,
		Message:  msg,
		Reply:    c.send,
	})
	if err != nil {
		log.Errorf("unable to deliver to %v for %v: %v", to, c.id, err)
		c.sendError(msg.Sequence(), model.ErrItemNotFound)
	}
}

// destination extracts the endpoint address a message is bound for, plus the
// payload's language override when it carries one.
func destination(msg model.Message) (string, string, *model.Error) {
	switch msg.Type() {
	case model.TypeDiscover:
		discover, err := msg.Discover()
		if err != nil {
			return "", "", model.ErrBadRequest
		}
		return discover.To, discover.Language, nil
	case model.TypeSlotRequest:
		req, err := msg.SlotRequest()
		if err != nil {
			return "", "", model.ErrBadRequest
		}
		return req.To, req.Language, nil
	default:
		return "", "", model.ErrBadRequest
	}
}

func (c *clientConn) sendError(sequence model.Sequence, protoErr *model.Error) {
	localized := protoErr.WithDescription(c.h.translate(c.language, protoErr.Description))
	c.send(c.h.mb.NewError(sequence, localized))
}

func (c *clientConn) send(msg model.Message) {
	select {
	case c.out <- msg:
	default:
		log.Errorf("reply buffer for %v full, dropping message", c.id)
	}
}

// preferredLanguage returns the first tag of an Accept-Language header,
// without its quality weight.
func preferredLanguage(header string) string {
	first := strings.Split(header, ",")[0]
	return strings.TrimSpace(strings.Split(first, ";")[0])
}
