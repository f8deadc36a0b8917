// Package rules resolves the tax-lot allocation method for a contract.
//
// Lookups go through a read-through cache in front of the external contract
// service. The service call is guarded by a circuit breaker and a hard
// timeout so a slow or dead contract service can never stall the hotpath:
// any failure falls back to the configured default method and bumps a
// counter.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"swapledger/internal/cache"
	"swapledger/pkg/types"
)

// Rules is the contract service response body.
type Rules struct {
	TaxLotMethod types.TaxLotMethod `json:"taxLotMethod"`
}

// Config tunes the rules service.
type Config struct {
	BaseURL        string
	Timeout        time.Duration // hard per-lookup budget (hotpath holds 40ms)
	CacheTTL       time.Duration
	DefaultMethod  types.TaxLotMethod
	BreakerTimeout time.Duration // how long the breaker stays open
}

// Service is the read-through contract rules cache.
type Service struct {
	client   *resty.Client
	breaker  *gobreaker.CircuitBreaker
	cache    cache.Cache
	cfg      Config
	logger   *slog.Logger
	fallback atomic.Int64
}

// New builds a Service. cache may be shared with other tiers.
func New(cfg Config, c cache.Cache, logger *slog.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 40 * time.Millisecond
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.DefaultMethod == "" {
		cfg.DefaultMethod = types.MethodFIFO
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "contract-rules",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Service{
		client:  client,
		breaker: breaker,
		cache:   c,
		cfg:     cfg,
		logger:  logger.With("component", "rules"),
	}
}

// MethodFor resolves the allocation method for a contract. It never returns
// an error: cache miss + service failure means the default method, a warn
// log line, and a fallback counter bump.
func (s *Service) MethodFor(ctx context.Context, contractID string) types.TaxLotMethod {
	if contractID == "" {
		return s.cfg.DefaultMethod
	}

	key := cache.RulesKey(contractID)
	if found, v, err := s.cache.Get(ctx, key); err == nil && found {
		m := types.TaxLotMethod(v)
		if m.Valid() {
			return m
		}
	}

	method, err := s.fetch(ctx, contractID)
	if err != nil {
		s.fallback.Add(1)
		s.logger.Warn("contract rules lookup failed, using fallback",
			"contract_id", contractID,
			"fallback", s.cfg.DefaultMethod,
			"error", err,
		)
		return s.cfg.DefaultMethod
	}

	if err := s.cache.Set(ctx, key, string(method), s.cfg.CacheTTL); err != nil {
		s.logger.Warn("failed to cache contract rules", "contract_id", contractID, "error", err)
	}
	return method
}

// fetch calls the contract service through the breaker with the hard
// timeout applied on top of whatever deadline the caller carries.
func (s *Service) fetch(ctx context.Context, contractID string) (types.TaxLotMethod, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	out, err := s.breaker.Execute(func() (any, error) {
		var rules Rules
		resp, err := s.client.R().
			SetContext(ctx).
			SetResult(&rules).
			Get("/contracts/" + contractID + "/rules")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("contract service returned %s", resp.Status())
		}
		if !rules.TaxLotMethod.Valid() {
			return nil, fmt.Errorf("contract service returned unknown method %q", rules.TaxLotMethod)
		}
		return rules.TaxLotMethod, nil
	})
	if err != nil {
		return "", err
	}
	return out.(types.TaxLotMethod), nil
}

// FallbackCount reports how many lookups fell back to the default method.
func (s *Service) FallbackCount() int64 {
	return s.fallback.Load()
}
