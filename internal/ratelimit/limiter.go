package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/keyforge/internal/config"
	"go.uber.org/zap"
)

type Endpoint string

const (
	EndpointCheckout Endpoint = "checkout"
	EndpointVerify   Endpoint = "verify"
)

const keyBuyerBucket = "ratelimit:%s:buyer:%s"

type policy struct {
	rate  float64
	burst int
}

// BuyerLimiter throttles checkout and verification per buyer. A nil or
// disabled limiter allows everything, and Redis failures fail open so an
// outage never blocks a paying buyer.
type BuyerLimiter struct {
	bucket   *TokenBucket
	log      *zap.Logger
	policies map[Endpoint]policy
}

func NewBuyerLimiter(cfg config.Config, bucket *TokenBucket, log *zap.Logger) *BuyerLimiter {
	log = log.Named("ratelimit")
	if !cfg.RateLimit.Enabled || bucket == nil {
		log.Info("buyer rate limiting disabled")
		return nil
	}
	return &BuyerLimiter{
		bucket: bucket,
		log:    log,
		policies: map[Endpoint]policy{
			EndpointCheckout: {rate: cfg.RateLimit.CheckoutRate, burst: cfg.RateLimit.CheckoutBurst},
			EndpointVerify:   {rate: cfg.RateLimit.VerifyRate, burst: cfg.RateLimit.VerifyBurst},
		},
	}
}

func (l *BuyerLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *BuyerLimiter) Allow(ctx context.Context, endpoint Endpoint, buyerID string) (*Result, error) {
	buyerID = strings.TrimSpace(buyerID)
	p, ok := l.policy(endpoint)
	if !l.Enabled() || !ok || buyerID == "" {
		return &Result{Allowed: true}, nil
	}

	res, err := l.bucket.Allow(ctx, bucketKey(endpoint, buyerID), p.rate, p.burst)
	if err != nil {
		l.log.Warn("rate limit check failed, allowing request",
			zap.String("endpoint", string(endpoint)),
			zap.Error(err),
		)
		return &Result{Allowed: true, Limit: p.burst}, nil
	}
	return res, nil
}

func (l *BuyerLimiter) policy(endpoint Endpoint) (policy, bool) {
	if l == nil {
		return policy{}, false
	}
	p, ok := l.policies[endpoint]
	if !ok || p.rate <= 0 || p.burst <= 0 {
		return policy{}, false
	}
	return p, true
}

func bucketKey(endpoint Endpoint, buyerID string) string {
	return fmt.Sprintf(keyBuyerBucket, endpoint, buyerID)
}
