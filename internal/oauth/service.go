package oauth

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/linkhub-dev/linkhub/internal/directory"
	"github.com/linkhub-dev/linkhub/internal/provider"
	"github.com/linkhub-dev/linkhub/internal/provision"
	"github.com/linkhub-dev/linkhub/internal/tokencrypt"
)

// ServiceConfig wires the collaborators the linking flows compose.
type ServiceConfig struct {
	Providers    *provider.Registry
	Provisioners map[string]provision.Client
	States       StateStore
	Links        LinkStore
	Users        directory.Client
	Codec        *tokencrypt.Codec
	Logger       *zap.Logger
	StateTTL     time.Duration
}

// Service orchestrates the initiate, callback, and disconnect flows.
type Service struct {
	providers    *provider.Registry
	provisioners map[string]provision.Client
	states       StateStore
	links        LinkStore
	users        directory.Client
	codec        *tokencrypt.Codec
	logger       *zap.Logger
	clock        func() time.Time
	tracer       trace.Tracer
	stateTTL     time.Duration
}

// NewService builds a Service from its collaborators.
func NewService(config ServiceConfig) *Service {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := config.StateTTL
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &Service{
		providers:    config.Providers,
		provisioners: config.Provisioners,
		states:       config.States,
		links:        config.Links,
		users:        config.Users,
		codec:        config.Codec,
		logger:       logger,
		clock:        time.Now,
		tracer:       otel.Tracer("linkhub/oauth"),
		stateTTL:     ttl,
	}
}
