package realtime

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"voice-gateway/pkg/call"
	"voice-gateway/pkg/config"
	"voice-gateway/pkg/errors"
	"voice-gateway/pkg/functions"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Conversation flavors
const (
	FlavorOpenAI = "openai"
	FlavorAzure  = "azure"
)

const defaultAzureAPIVersion = "2024-10-01-preview"

// ConversationEngine is one call's session with a conversational AI.
// SendUserTurn matches stt.TurnSink so recognized speech can be fed straight in.
type ConversationEngine interface {
	Start(ctx context.Context) error
	SendUserTurn(text string) error
	// AppendAudio streams 16 kHz caller PCM; ignored until EnableTranscription
	AppendAudio(pcm []byte) error
	// EnableTranscription makes the provider transcribe caller audio itself
	EnableTranscription() error
	Close() error
}

// Referrer transfers a call to another SIP target
type Referrer interface {
	Refer(ctx context.Context, key, target string) error
}

// EventPublisher emits call events for downstream consumers
type EventPublisher interface {
	Publish(eventType string, c *call.Call, data map[string]interface{})
}

// Deps are the collaborators shared by every conversation session
type Deps struct {
	Config     config.AIConfig
	Dispatcher *functions.Dispatcher
	Referrer   Referrer
	Events     EventPublisher
	Dialer     *websocket.Dialer
	Logger     *logrus.Logger
}

// Endpoint is where and how a flavor connects
type Endpoint struct {
	URL    string
	Header http.Header
}

// Constructor builds the endpoint for one call of a flavor
type Constructor func(cfg config.AIConfig, profile *config.CallProfile) (Endpoint, error)

// Factory maps a tenant's flavor to the constructor of its connection
type Factory struct {
	deps         Deps
	constructors map[string]Constructor
}

// NewFactory creates a factory with the built-in openai and azure flavors
func NewFactory(deps Deps) *Factory {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	f := &Factory{
		deps:         deps,
		constructors: make(map[string]Constructor),
	}
	f.Register(FlavorOpenAI, openAIEndpoint)
	f.Register(FlavorAzure, azureEndpoint)
	return f
}

// Register adds or replaces a flavor
func (f *Factory) Register(flavor string, ctor Constructor) {
	f.constructors[strings.ToLower(flavor)] = ctor
}

// New creates the conversation session for c without connecting it
func (f *Factory) New(c *call.Call) (ConversationEngine, error) {
	profile := c.Profile()
	flavor := strings.ToLower(profile.Flavor)
	if flavor == "" {
		flavor = strings.ToLower(f.deps.Config.DefaultFlavor)
	}

	ctor, ok := f.constructors[flavor]
	if !ok {
		return nil, errors.Newf(errors.ErrUnknownFlavor, "unknown conversation flavor %q", flavor).
			WithField("did", profile.DID)
	}

	endpoint, err := ctor(f.deps.Config, profile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build conversation endpoint").WithField("flavor", flavor)
	}
	s, err := newSession(c, flavor, endpoint, f.deps)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openAIEndpoint(cfg config.AIConfig, profile *config.CallProfile) (Endpoint, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return Endpoint{}, errors.NewInvalidInput("invalid realtime URL").WithField("url", cfg.URL)
	}
	q := u.Query()
	q.Set("model", modelFor(cfg, profile))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")
	return Endpoint{URL: u.String(), Header: header}, nil
}

// azureEndpoint addresses a deployment; the model name doubles as the deployment name
func azureEndpoint(cfg config.AIConfig, profile *config.CallProfile) (Endpoint, error) {
	if cfg.AzureURL == "" {
		return Endpoint{}, errors.NewInvalidInput("AI_AZURE_REALTIME_URL is not set")
	}
	u, err := url.Parse(cfg.AzureURL)
	if err != nil || u.Host == "" {
		return Endpoint{}, errors.NewInvalidInput("invalid Azure realtime URL").WithField("url", cfg.AzureURL)
	}
	q := u.Query()
	if q.Get("api-version") == "" {
		q.Set("api-version", defaultAzureAPIVersion)
	}
	q.Set("deployment", modelFor(cfg, profile))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("api-key", cfg.APIKey)
	return Endpoint{URL: u.String(), Header: header}, nil
}

func modelFor(cfg config.AIConfig, profile *config.CallProfile) string {
	if profile != nil && profile.Model != "" {
		return profile.Model
	}
	return cfg.Model
}
