// package broker implements the upload-slot broker: the protocol state
// machine that answers discovery queries and slot requests for one or more
// logical hosts. A broker never carries file bytes; it negotiates permission
// and hands out a signed, time-limited PUT URL plus a stable GET URL per
// granted slot.
package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/slotd/identity"
	"github.com/getlantern/slotd/model"
	"github.com/getlantern/slotd/policy"
	"github.com/getlantern/slotd/quota"
	"github.com/getlantern/slotd/router"
	"github.com/getlantern/slotd/signer"
	"github.com/getlantern/slotd/telemetry"
	"github.com/getlantern/slotd/util"
)

var (
	log = golog.LoggerFor("broker")
)

const (
	defaultDependencyTimeout = 10 * time.Second
)

// Translator localizes human-readable protocol text for a requester's
// declared language. Format directives in text survive translation and are
// interpolated afterwards.
type Translator func(language string, text string) string

// DiscoExtender contributes additional descriptor fields when the endpoint
// at addr is discovered. All configured extenders run on every discovery;
// their fields are appended after the broker's own, in order.
type DiscoExtender func(addr string, language string) []model.DiscoField

// Opts configures the collaborators shared by every broker process.
type Opts struct {
	// The Router to register endpoint addresses with. Required.
	Router router.Router
	// The Signer that produces presigned PUT URLs. Required.
	Signer signer.Signer
	// The Oracle that evaluates the configured access rule. Required.
	Oracle policy.Oracle
	// The Ledger that accounts upload bytes per requester. Required only
	// when the configuration enables quotas.
	Ledger quota.Ledger
	// Localizes human-readable reply text, defaults to a passthrough
	Translator Translator
	// Optional contributors of extra discovery descriptor fields
	Extenders []DiscoExtender
	// How long to wait on the policy oracle and the quota ledger before
	// treating the call as failed, defaults to 10 seconds
	DependencyTimeout time.Duration
}

func (opts *Opts) ApplyDefaults() {
	if opts.Translator == nil {
		opts.Translator = func(language string, text string) string { return text }
		log.Debug("Defaulted to passthrough translator")
	}
	if opts.DependencyTimeout <= 0 {
		opts.DependencyTimeout = defaultDependencyTimeout
		log.Debugf("Defaulted DependencyTimeout to: %v", opts.DependencyTimeout)
	}
}

func (opts *Opts) check() error {
	if opts.Router == nil {
		return errors.New("please specify a Router")
	}
	if opts.Signer == nil {
		return errors.New("please specify a Signer")
	}
	if opts.Oracle == nil {
		return errors.New("please specify an Oracle")
	}
	return nil
}

// handleExchange is the per-exchange entry point. It dispatches on the
// message type and always answers: recognized requests get their reply,
// anything else gets a protocol-level error. Nothing an exchange carries can
// take the process down.
func (p *Process) handleExchange(exchange *router.Exchange) {
	switch exchange.Message.Type() {
	case model.TypeDiscover:
		p.handleDiscover(exchange)
	case model.TypeSlotRequest:
		p.handleSlotRequest(exchange)
	default:
		log.Errorf("unsupported exchange type %d from %v", exchange.Message.Type(), exchange.From)
		telemetry.SlotsRefused.WithLabelValues(p.logicalHost, telemetry.ReasonBadRequest).Inc()
		p.badRequest(exchange)
	}
}

func (p *Process) handleDiscover(exchange *router.Exchange) {
	params := p.params

	discover, err := exchange.Message.Discover()
	if err != nil {
		log.Errorf("undecodable discover from %v: %v", exchange.From, err)
		p.badRequest(exchange)
		return
	}

	discovered := &model.Discovered{
		Identities: []model.DiscoIdentity{{
			Category: model.IdentityCategory,
			Type:     model.IdentityType,
			Name:     p.translate(exchange.Language, params.ServiceName),
		}},
		Features: []string{model.NSDiscoInfo, model.NSUpload},
		Fields: []model.DiscoField{{
			Var:   model.FieldFormType,
			Value: model.NSUpload,
		}},
	}
	if params.MaxSize > 0 {
		discovered.Fields = append(discovered.Fields, model.DiscoField{
			Var:   model.FieldMaxFileSize,
			Value: strconv.FormatUint(params.MaxSize, 10),
		})
	}
	for _, extend := range p.extenders {
		discovered.Fields = append(discovered.Fields, extend(discover.To, exchange.Language)...)
	}

	msg, err := p.mb.NewDiscovered(discovered)
	if err != nil {
		p.error(exchange, model.TypedError(err))
		return
	}
	telemetry.Discoveries.WithLabelValues(p.logicalHost).Inc()
	p.reply(exchange, msg)
}

func (p *Process) handleSlotRequest(exchange *router.Exchange) {
	params := p.params

	req, err := exchange.Message.SlotRequest()
	if err != nil {
		log.Errorf("undecodable slot request from %v: %v", exchange.From, err)
		telemetry.SlotsRefused.WithLabelValues(p.logicalHost, telemetry.ReasonBadRequest).Inc()
		p.badRequest(exchange)
		return
	}
	if exchange.From == "" || req.Filename == "" || req.Size == 0 {
		log.Errorf("malformed slot request from %v: filename %q size %d", exchange.From, req.Filename, req.Size)
		telemetry.SlotsRefused.WithLabelValues(p.logicalHost, telemetry.ReasonBadRequest).Inc()
		p.badRequest(exchange)
		return
	}

	// The size ceiling is checked strictly before the access rule: an
	// oversize request from a denied requester reports oversize, and a
	// refusal of either kind reaches neither the ledger nor the signer.
	if params.MaxSize > 0 && req.Size > params.MaxSize {
		log.Errorf("refusing oversize request from %v: %v is %d bytes, limit is %d", exchange.From, req.Filename, req.Size, params.MaxSize)
		telemetry.SlotsRefused.WithLabelValues(p.logicalHost, telemetry.ReasonOversize).Inc()
		description := fmt.Sprintf(p.translate(exchange.Language, "file too large, the maximum file size is %d bytes"), params.MaxSize)
		p.error(exchange, model.ErrTooLarge.WithDescription(description).WithLimit(params.MaxSize))
		return
	}

	allowed := p.checkPolicy(params, exchange.From)
	if !allowed {
		log.Debugf("denying slot request from %v under rule %v", exchange.From, params.AccessPolicy)
		telemetry.SlotsRefused.WithLabelValues(p.logicalHost, telemetry.ReasonForbidden).Inc()
		p.error(exchange, model.ErrForbidden.WithDescription(p.translate(exchange.Language, "access denied")))
		return
	}

	if params.QuotaPerRequester > 0 {
		reserved := p.reserveQuota(params, exchange.From, req.Size)
		if !reserved {
			log.Debugf("quota exhausted for %v: %v of %d bytes refused", exchange.From, req.Filename, req.Size)
			telemetry.SlotsRefused.WithLabelValues(p.logicalHost, telemetry.ReasonQuota).Inc()
			description := p.translate(exchange.Language, "upload quota exceeded, retry later")
			p.error(exchange, model.ErrRetryLater.WithDescription(description).WithLimit(params.QuotaPerRequester))
			return
		}
	}

	slot, err := p.issueSlot(params, exchange.From, req)
	if err != nil {
		log.Errorf("unable to issue slot for %v: %v", exchange.From, err)
		telemetry.SlotsRefused.WithLabelValues(p.logicalHost, telemetry.ReasonInternal).Inc()
		p.error(exchange, model.TypedError(err))
		return
	}

	log.Debugf("issued slot to %v: %v of %d bytes", exchange.From, req.Filename, req.Size)
	telemetry.SlotsIssued.WithLabelValues(p.logicalHost).Inc()
	msg, err := p.mb.NewSlot(slot)
	if err != nil {
		p.error(exchange, model.TypedError(err))
		return
	}
	p.reply(exchange, msg)
}

// checkPolicy evaluates the configured access rule and fails closed: an
// oracle that errors out denies.
func (p *Process) checkPolicy(params *ServiceParameters, requester identity.Requester) bool {
	ctx, cancel := p.dependencyContext()
	defer cancel()

	allowed, err := p.oracle.Allowed(ctx, params.LogicalHost, params.AccessPolicy, requester)
	if err != nil {
		log.Errorf("unable to evaluate access rule %v for %v, denying: %v", params.AccessPolicy, requester, err)
		return false
	}
	return allowed
}

// reserveQuota books the declared size against the requester's budget and
// fails closed: a ledger that errors out refuses.
func (p *Process) reserveQuota(params *ServiceParameters, requester identity.Requester, size uint64) bool {
	if p.ledger == nil {
		log.Errorf("quota configured for %v but no ledger available, refusing", params.LogicalHost)
		return false
	}

	ctx, cancel := p.dependencyContext()
	defer cancel()

	reserved, err := p.ledger.Reserve(ctx, params.LogicalHost, requester, size, params.QuotaPerRequester, params.QuotaWindow)
	if err != nil {
		log.Errorf("unable to reserve quota for %v, refusing: %v", requester, err)
		return false
	}
	return reserved
}

// issueSlot is the grant path: derive a fresh object name, build and sign
// the PUT URL, build the GET URL.
func (p *Process) issueSlot(params *ServiceParameters, requester identity.Requester, req *model.SlotRequest) (*model.Slot, error) {
	objName, err := objectName(requester, req.Filename)
	if err != nil {
		return nil, err
	}
	unsigned, err := unsignedPutURL(params, objName, req)
	if err != nil {
		return nil, err
	}
	signed, err := p.signer.SignURL(params.Credentials, "PUT", unsigned, params.PutTTL)
	if err != nil {
		return nil, errors.New("unable to sign upload URL: %v", err)
	}
	get, err := getURL(params, objName)
	if err != nil {
		return nil, err
	}
	return &model.Slot{
		PutURL:    signed.String(),
		GetURL:    get.String(),
		ExpiresAt: util.UnixMillis(time.Now().Add(params.PutTTL)),
	}, nil
}

func (p *Process) translate(language string, text string) string {
	return p.translator(language, text)
}

// reply answers an exchange, echoing the sequence of the message being
// answered so the requester can correlate it.
func (p *Process) reply(exchange *router.Exchange, msg model.Message) {
	msg.SetSequence(exchange.Message.Sequence())
	exchange.Reply(msg)
}

func (p *Process) error(exchange *router.Exchange, err *model.Error) {
	p.reply(exchange, p.mb.NewError(exchange.Message.Sequence(), err))
}

func (p *Process) badRequest(exchange *router.Exchange) {
	p.error(exchange, model.ErrBadRequest.WithDescription(p.translate(exchange.Language, model.ErrBadRequest.Description)))
}

func (p *Process) dependencyContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.dependencyTimeout)
}
