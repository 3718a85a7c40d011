// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PollPolicy bounds PollMint. Both the attempt count and the deadline are
// enforced; whichever is reached first ends the loop with ErrMintTimeout.
type PollPolicy struct {
	// Interval is the delay before the second attempt.
	Interval time.Duration
	// Multiplier grows the delay per attempt; values <= 1 keep it fixed.
	Multiplier float64
	// MaxInterval caps the grown delay (default: 4 * Interval).
	MaxInterval time.Duration
	// MaxAttempts is the total number of status queries.
	MaxAttempts int
	// Timeout is the overall deadline across all attempts.
	Timeout time.Duration
}

// DefaultPollPolicy queries every 15s, up to 20 times, within 5 minutes.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Interval:    15 * time.Second,
		Multiplier:  1,
		MaxAttempts: 20,
		Timeout:     5 * time.Minute,
	}
}

func (p PollPolicy) isZero() bool {
	return p == PollPolicy{}
}

// Validate rejects policies that would not terminate.
func (p PollPolicy) Validate() error {
	if p.Interval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if p.MaxAttempts < 1 {
		return errors.New("poll max attempts must be at least 1")
	}
	if p.Timeout <= 0 {
		return errors.New("poll timeout must be positive")
	}
	return nil
}

func (p PollPolicy) backOff(ctx context.Context) backoff.BackOff {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	maxInterval := p.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 4 * p.Interval
	}
	if maxInterval < p.Interval {
		maxInterval = p.Interval
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.Interval),
		backoff.WithMultiplier(mult),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// errStillPending marks a non-terminal status so the loop retries.
var errStillPending = errors.New("mint still pending")

// PollMint queries the mint status until it is terminal, the policy is
// exhausted (ErrMintTimeout) or ctx is cancelled (ctx.Err()). Transport
// failures consume an attempt. Terminal failures and protocol violations are
// returned immediately without retry.
func (c *Client) PollMint(ctx context.Context, requestID string) (KeyPair, error) {
	if requestID == "" {
		return KeyPair{}, protocolErr("empty requestId")
	}
	policy := c.poll
	if err := policy.Validate(); err != nil {
		return KeyPair{}, fmt.Errorf("invalid poll policy: %w", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	attempts := 0
	operation := func() (KeyPair, error) {
		attempts++
		resp, err := c.fetchStatus(pollCtx, requestID)
		if err != nil {
			if errors.Is(err, ErrRelayProtocol) {
				return KeyPair{}, backoff.Permanent(err)
			}
			return KeyPair{}, err
		}

		status, ok := ParseMintStatus(resp.Status)
		if !ok {
			return KeyPair{}, backoff.Permanent(protocolErr("unknown mint status %q", resp.Status))
		}

		switch status {
		case StatusSuccess:
			kp, err := validateKeyPair(KeyPair{
				TokenID:   resp.PKPTokenID,
				Address:   resp.PKPEthAddress,
				PublicKey: resp.PKPPublicKey,
			})
			if err != nil {
				return KeyPair{}, backoff.Permanent(err)
			}
			return kp, nil
		case StatusFailure:
			msg := resp.Error
			if msg == "" {
				msg = "relay reported failure"
			}
			return KeyPair{}, backoff.Permanent(fmt.Errorf("%w: %s", ErrMintFailed, msg))
		default:
			return KeyPair{}, errStillPending
		}
	}

	notify := func(err error, next time.Duration) {
		c.log.Debug("mint not terminal", "request_id", requestID, "attempt", attempts, "reason", err, "next", next)
	}

	kp, err := backoff.RetryNotifyWithData(operation, policy.backOff(pollCtx), notify)
	if err == nil {
		c.log.Debug("mint complete", "request_id", requestID, "address", kp.Address, "attempts", attempts)
		return kp, nil
	}

	// Parent cancellation wins over our own deadline.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return KeyPair{}, ctxErr
	}
	if errors.Is(err, ErrRelayProtocol) || errors.Is(err, ErrMintFailed) {
		return KeyPair{}, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KeyPair{}, fmt.Errorf("%w: no terminal status within %s (%d attempts)", ErrMintTimeout, policy.Timeout, attempts)
	}
	return KeyPair{}, fmt.Errorf("%w: no terminal status after %d attempts: %v", ErrMintTimeout, attempts, err)
}
