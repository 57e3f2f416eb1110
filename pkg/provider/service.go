package provider

import (
	"context"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/cuemby/nimbus/pkg/cache"
	nberrors "github.com/cuemby/nimbus/pkg/errors"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/types"
)

// Service is the typed layer over the provider transport. Read-mostly
// catalog calls go through the cache manager.
type Service struct {
	client *Client
	caches *cache.Manager
	logger zerolog.Logger

	startRetryAttempts uint
	startRetryDelay    time.Duration
}

// NewService wires the typed provider layer
func NewService(client *Client, caches *cache.Manager) *Service {
	return &Service{
		client:             client,
		caches:             caches,
		logger:             log.WithComponent("provider"),
		startRetryAttempts: 3,
		startRetryDelay:    time.Second,
	}
}

// ListProducts returns the products matching name and region, cached
func (s *Service) ListProducts(ctx context.Context, productName, region string) ([]*types.Product, error) {
	key := productName + "|" + region
	if products, ok := s.caches.Products.Get(key); ok {
		return products, nil
	}

	var products []*types.Product
	if err := s.client.Get(ctx, EndpointProducts, productsPath(productName, region), &products); err != nil {
		return nil, err
	}

	s.caches.Products.Set(key, products)
	return products, nil
}

// GetTemplate returns a template by id, cached
func (s *Service) GetTemplate(ctx context.Context, id string) (*types.Template, error) {
	if tpl, ok := s.caches.Templates.Get(id); ok {
		return tpl, nil
	}

	var tpl types.Template
	if err := s.client.Get(ctx, EndpointTemplates, templatePath(id), &tpl); err != nil {
		return nil, err
	}

	s.caches.Templates.Set(id, &tpl)
	return &tpl, nil
}

// GetRegistryAuth fetches the auth catalog and selects the entry by id
func (s *Service) GetRegistryAuth(ctx context.Context, authID string) (*types.RegistryAuth, error) {
	var auths []*types.RegistryAuth
	if err := s.client.Get(ctx, EndpointRegistryAuths, registryAuthsPath, &auths); err != nil {
		return nil, err
	}

	for _, a := range auths {
		if a.ID == authID {
			return a, nil
		}
	}
	return nil, nberrors.Newf(nberrors.CodeRegistryAuthNotFound, "registry auth %s not found", authID)
}

// CreateInstance asks the provider to create an instance
func (s *Service) CreateInstance(ctx context.Context, spec *types.CreateInstanceSpec) (*types.CreateInstanceResult, error) {
	var result types.CreateInstanceResult
	if err := s.client.Post(ctx, EndpointInstances, instancesPath, spec, &result); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("provider_instance_id", result.ProviderInstanceID).
		Str("name", spec.Name).
		Msg("provider instance created")
	return &result, nil
}

// GetInstance returns the provider's view of one instance
func (s *Service) GetInstance(ctx context.Context, providerInstanceID string) (*types.ProviderInstance, error) {
	var inst types.ProviderInstance
	if err := s.client.Get(ctx, EndpointInstances, instancePath(providerInstanceID), &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances returns all provider instances
func (s *Service) ListInstances(ctx context.Context) ([]*types.ProviderInstance, error) {
	var instances []*types.ProviderInstance
	if err := s.client.Get(ctx, EndpointInstances, instancesPath, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

// StartInstance asks the provider to start an instance
func (s *Service) StartInstance(ctx context.Context, providerInstanceID string) error {
	var a ack
	return s.client.Post(ctx, EndpointInstances, instanceActionPath(providerInstanceID, "start"), nil, &a)
}

// StopInstance asks the provider to stop an instance
func (s *Service) StopInstance(ctx context.Context, providerInstanceID string) error {
	var a ack
	return s.client.Post(ctx, EndpointInstances, instanceActionPath(providerInstanceID, "stop"), nil, &a)
}

// DeleteInstance asks the provider to delete an instance
func (s *Service) DeleteInstance(ctx context.Context, providerInstanceID string) error {
	return s.client.Delete(ctx, EndpointInstances, instancePath(providerInstanceID))
}

// StartInstanceWithRetry wraps StartInstance with an application-level
// retry on top of the transport's own attempt loop. The circuit breaker
// still gates every underlying request.
func (s *Service) StartInstanceWithRetry(ctx context.Context, providerInstanceID string) error {
	return retry.Do(
		func() error {
			return s.StartInstance(ctx, providerInstanceID)
		},
		retry.Context(ctx),
		retry.Attempts(s.startRetryAttempts),
		retry.Delay(s.startRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(nberrors.IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn().
				Err(err).
				Uint("attempt", n+1).
				Str("provider_instance_id", providerInstanceID).
				Msg("start instance retry")
		}),
	)
}

// BreakerStates exposes the transport breaker states for observability
func (s *Service) BreakerStates() map[string]string {
	return s.client.BreakerStates()
}
