package transports

import (
	"context"

	"github.com/voicelink/callbridge/pkg/frames"
	"github.com/voicelink/callbridge/pkg/transcript"
)

// Transport is the telephony-facing I/O boundary. Implementations own
// their network lifecycle and surface call events and caller audio as
// frames on Recv.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// OutboundDialer initiates an outbound call and returns the provider call
// identifier.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
	// StatusCallbackURL overrides where the telephony provider posts
	// call status updates.
	StatusCallbackURL string
}

// OutboundDialerWithOptions extends dialing with optional parameters.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// TranscriptPublisher pushes finished transcript turns to any live
// observers the transport serves (dashboards, operator consoles).
type TranscriptPublisher interface {
	PublishTranscript(streamID string, ev transcript.Event)
}

// CandidateResolver maps a provider call identifier to the candidate the
// call concerns. Transports use it to pass candidate identity into the
// media stream as a custom parameter.
type CandidateResolver func(callSID string) string

// ReadyReporter exposes readiness metadata such as webhook URLs, used for
// informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
