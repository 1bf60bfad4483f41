package client

import (
	"math/rand"
	"time"

	"github.com/olivelliott/realtime-pm/internal/models"
)

// reconnectDelay computes the backoff before reconnect attempt n (0-based):
// min(cap, base * 2^min(n, maxExp)) plus up to jitterMS of random jitter.
func reconnectDelay(attempt int, rnd *rand.Rand) time.Duration {
	exp := attempt
	if exp > models.DefaultReconnectMaxExp {
		exp = models.DefaultReconnectMaxExp
	}

	delayMS := models.DefaultReconnectBaseMS << uint(exp)
	if delayMS > models.DefaultReconnectCapMS {
		delayMS = models.DefaultReconnectCapMS
	}
	delayMS += rnd.Intn(models.DefaultReconnectJitterMS)

	return time.Duration(delayMS) * time.Millisecond
}
