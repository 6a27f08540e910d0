package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/voicelink/callbridge/pkg/errorsx"
	"github.com/voicelink/callbridge/pkg/transports"
)

// statusCallbackEvents are the call progress events the provider reports
// back to the status webhook.
var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// ProviderCallError distinguishes a rejection by the telephony provider
// from local configuration or network problems.
type ProviderCallError struct {
	To  string
	Err error
}

func (e *ProviderCallError) Error() string {
	return fmt.Sprintf("provider rejected call to %s: %v", e.To, e.Err)
}

func (e *ProviderCallError) Unwrap() error { return e.Err }

// Dialer places outbound calls through the Twilio REST API. The created
// call fetches TwiML from the voice webhook, which connects the media
// stream back to this process.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	return d.DialWithOptions(ctx, to, from, url, transports.DialOptions{})
}

func (d *Dialer) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	_ = ctx
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	if url == "" {
		url = d.voiceWebhookURL()
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(url)
	params.SetStatusCallback(d.statusCallbackURL(opts))
	params.SetStatusCallbackEvent(statusCallbackEvents)
	if strings.TrimSpace(opts.SendDigits) != "" {
		params.SetSendDigits(opts.SendDigits)
	}
	resp, err := client.CreateCall(params)
	if err != nil {
		var rerr *twilioclient.TwilioRestError
		if errors.As(err, &rerr) {
			return "", errorsx.Wrap(&ProviderCallError{To: to, Err: err}, errorsx.ReasonProviderCall)
		}
		return "", errorsx.Wrap(fmt.Errorf("create call: %w", err), errorsx.ReasonTransportLost)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.Wrap(&ProviderCallError{To: to, Err: errors.New("missing call sid")}, errorsx.ReasonProviderCall)
	}
	return *resp.Sid, nil
}

func (d *Dialer) statusCallbackURL(opts transports.DialOptions) string {
	if opts.StatusCallbackURL != "" {
		return opts.StatusCallbackURL
	}
	return d.publicURL(d.cfg.StatusCallbackPath)
}

func (d *Dialer) voiceWebhookURL() string {
	return d.publicURL(d.cfg.VoicePath)
}

func (d *Dialer) publicURL(path string) string {
	if d.cfg.PublicURL != "" {
		return "https://" + NormalizePublicURL(d.cfg.PublicURL) + path
	}
	addr := d.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if addr[0] == ':' {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}
