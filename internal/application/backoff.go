package application

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 5 * time.Second
	backoffCap  = 10 * time.Minute
)

// backoffDelay computes the retry delay for a given retry count: 5s doubling
// per attempt, capped at 10 minutes. Pure function of the persisted count, so
// the schedule survives restarts unchanged.
func backoffDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	delay := backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	return delay
}

// jitteredBackoff spreads backoffDelay by +/-20% so queued operations released
// together do not retry in lockstep.
func jitteredBackoff(retryCount int) time.Duration {
	delay := backoffDelay(retryCount)
	spread := int64(delay) / 5
	jitter := time.Duration(rand.Int63n(2*spread+1) - spread)
	return delay + jitter
}
