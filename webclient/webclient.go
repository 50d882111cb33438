// package webclient provides a client that connects to a slotd service via its websocket front end
package webclient

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/slotd/identity"
	"github.com/getlantern/slotd/model"
	"github.com/getlantern/slotd/web"
)

var (
	log = golog.LoggerFor("webclient")
)

// Client is one websocket connection to a slotd front end, bound to a
// single requester identity.
type Client struct {
	conn      *websocket.Conn
	in        chan model.Message
	mb        model.MessageBuilder
	writeMx   sync.Mutex
	closeOnce sync.Once
}

// Connect opens a websocket connection to the given url, identifying as
// from. bufferDepth specifies how many inbound messages to buffer.
func Connect(url string, from identity.Requester, language string, bufferDepth int) (*Client, error) {
	header := http.Header{}
	header.Set(web.HeaderUser, from.String())
	if language != "" {
		header.Set(web.HeaderLanguage, language)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, err
	}
	client := &Client{
		conn: conn,
		in:   make(chan model.Message, bufferDepth),
	}
	go client.read()
	return client, nil
}

func (client *Client) read() {
	defer client.Close()
	defer close(client.in)

	for {
		_, b, err := client.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debugf("error reading inbound message: %v", err)
			}
			return
		}
		msg, err := model.Parse(b)
		if err != nil {
			log.Errorf("error parsing inbound message: %v", err)
			return
		}
		client.in <- msg
	}
}

// Send writes one message to the service, logging rather than returning
// write errors; the read side notices a broken connection.
func (client *Client) Send(msg model.Message) {
	client.writeMx.Lock()
	defer client.writeMx.Unlock()
	err := client.conn.WriteMessage(websocket.BinaryMessage, msg)
	if err != nil {
		log.Errorf("error writing outbound message: %v", err)
	}
}

// Receive blocks for the next inbound message, returning nil once the
// connection is closed.
func (client *Client) Receive() model.Message {
	return <-client.in
}

// Drain discards whatever inbound messages have already arrived and returns
// how many there were.
func (client *Client) Drain() int {
	count := 0

	for {
		select {
		case <-client.in:
			count++
		default:
			return count
		}
	}
}

func (client *Client) Close() {
	client.closeOnce.Do(func() {
		log.Debug("closing websocket conn")
		client.conn.Close()
	})
}

// Discover asks the endpoint at to what it offers.
func (client *Client) Discover(to string, language string) (*model.Discovered, error) {
	msg, err := client.mb.NewDiscover(&model.Discover{To: to, Language: language})
	if err != nil {
		return nil, err
	}
	reply, err := client.roundTrip(msg)
	if err != nil {
		return nil, err
	}
	return reply.Discovered()
}

// RequestSlot asks the endpoint at req.To for an upload slot.
func (client *Client) RequestSlot(req *model.SlotRequest) (*model.Slot, error) {
	msg, err := client.mb.NewSlotRequest(req)
	if err != nil {
		return nil, err
	}
	reply, err := client.roundTrip(msg)
	if err != nil {
		return nil, err
	}
	return reply.Slot()
}

// roundTrip sends msg and waits for the reply bearing its sequence,
// discarding anything else in between. A protocol-level error reply comes
// back as the returned error.
func (client *Client) roundTrip(msg model.Message) (model.Message, error) {
	client.Send(msg)
	for {
		reply := client.Receive()
		if reply == nil {
			return nil, errors.New("connection closed awaiting reply")
		}
		if reply.Sequence() != msg.Sequence() {
			continue
		}
		if reply.Type() == model.TypeError {
			protoErr, err := reply.Error()
			if err != nil {
				return nil, errors.New("undecodable error reply: %v", err)
			}
			return nil, protoErr
		}
		return reply, nil
	}
}
