package connector

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-fabric/internal/auth"
	"github.com/stanstork/stratum-fabric/internal/fabricerr"
	"github.com/stanstork/stratum-fabric/internal/odata"
	"github.com/stanstork/stratum-fabric/internal/transport"
)

// Endpoint configures one system's transport parameters.
type Endpoint struct {
	BaseURL          string
	Auth             auth.Provider
	Timeout          time.Duration
	Retries          int
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Factory builds and caches dialect clients per (system, service,
// dialect). Each cached client owns its CSRF, cookie and breaker state,
// so distinct services never share session affinity.
type Factory struct {
	endpoints map[System]Endpoint
	logger    zerolog.Logger

	mu    sync.Mutex
	cache map[string]*odata.Client
}

func NewFactory(endpoints map[System]Endpoint, logger zerolog.Logger) *Factory {
	return &Factory{
		endpoints: endpoints,
		logger:    logger,
		cache:     make(map[string]*odata.Client),
	}
}

func (f *Factory) Client(system System, service string, dialect odata.Dialect) (*odata.Client, error) {
	endpoint, ok := f.endpoints[system]
	if !ok {
		return nil, fabricerr.Newf(fabricerr.KindConfiguration, "no endpoint configured for system %s", system)
	}

	key := string(system) + "|" + service + "|" + string(dialect)
	f.mu.Lock()
	defer f.mu.Unlock()
	if client, ok := f.cache[key]; ok {
		return client, nil
	}

	baseURL := strings.TrimSuffix(endpoint.BaseURL, "/") + "/" + strings.Trim(service, "/")
	t, err := transport.NewClient(transport.Config{
		BaseURL:          baseURL,
		Auth:             endpoint.Auth,
		Timeout:          endpoint.Timeout,
		Retries:          endpoint.Retries,
		BreakerThreshold: endpoint.BreakerThreshold,
		BreakerReset:     endpoint.BreakerReset,
		CSRF:             dialect == odata.DialectV2,
		Logger:           f.logger,
	})
	if err != nil {
		return nil, err
	}

	client := odata.NewClient(t, dialect, baseURL, f.logger)
	f.cache[key] = client
	return client, nil
}
