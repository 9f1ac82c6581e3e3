package credential

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Pending is the PKCE correlation record for one authorization attempt
type Pending struct {
	State        string
	CodeVerifier string
}

// Correlator keeps the state and code verifier of the in-flight
// authorization. Writes go to the primary store and degrade to the fallback
// store when the primary fails; reads prefer the primary.
type Correlator struct {
	primary  Store
	fallback Store
	logger   zerolog.Logger
}

// New creates a correlator. fallback may be nil when the primary is already
// process-local.
func New(primary, fallback Store, logger zerolog.Logger) *Correlator {
	if primary == nil {
		primary = fallback
		fallback = nil
	}
	return &Correlator{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With().Str("component", "credential").Logger(),
	}
}

// Save stores both slots. It never fails from the caller's point of view:
// primary errors degrade to the fallback store and are logged.
func (c *Correlator) Save(ctx context.Context, p Pending) {
	c.save(ctx, SlotState, p.State)
	c.save(ctx, SlotVerifier, p.CodeVerifier)
}

func (c *Correlator) save(ctx context.Context, key, value string) {
	err := c.primary.Save(ctx, key, value)
	if err == nil {
		if c.fallback != nil {
			// A stale fallback value must not shadow a later primary miss
			if err := c.fallback.Delete(ctx, key); err != nil {
				c.logger.Debug().Err(err).Str("slot", key).Msg("clearing fallback slot")
			}
		}
		return
	}

	c.logger.Warn().Err(err).Str("slot", key).Msg("primary credential store failed, using fallback")
	// Drop the previous attempt's value so it cannot shadow the fallback
	if err := c.primary.Delete(ctx, key); err != nil {
		c.logger.Debug().Err(err).Str("slot", key).Msg("clearing primary slot")
	}
	if c.fallback == nil {
		return
	}
	if err := c.fallback.Save(ctx, key, value); err != nil {
		c.logger.Error().Err(err).Str("slot", key).Msg("fallback credential store failed")
	}
}

// LoadState returns the stored state, if any
func (c *Correlator) LoadState(ctx context.Context) (string, bool) {
	return c.load(ctx, SlotState)
}

// LoadVerifier returns the stored code verifier, if any
func (c *Correlator) LoadVerifier(ctx context.Context) (string, bool) {
	return c.load(ctx, SlotVerifier)
}

func (c *Correlator) load(ctx context.Context, key string) (string, bool) {
	value, ok, err := c.primary.Load(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("slot", key).Msg("reading primary credential store")
	}
	if ok {
		return value, true
	}
	if c.fallback == nil {
		return "", false
	}

	value, ok, err = c.fallback.Load(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("slot", key).Msg("reading fallback credential store")
		return "", false
	}
	return value, ok
}

// Clear removes both slots from every store
func (c *Correlator) Clear(ctx context.Context) {
	for _, store := range []Store{c.primary, c.fallback} {
		if store == nil {
			continue
		}
		for _, key := range []string{SlotState, SlotVerifier} {
			if err := store.Delete(ctx, key); err != nil {
				c.logger.Warn().Err(err).Str("slot", key).Msg("clearing credential slot")
			}
		}
	}
}

// CheckHealth verifies the primary store is healthy
func (c *Correlator) CheckHealth(ctx context.Context) error {
	if c.primary == nil {
		return ErrStoreUnavailable
	}
	if err := c.primary.CheckHealth(ctx); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}
