package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces per-client token buckets keyed by traffic class and
// IP. Crawler traffic gets its own, tighter budget: every unpaid crawler
// request costs a 402 round trip and every proof costs chain RPC, so a
// single scraper must not be able to starve human readers of the same
// origin. Human and crawler buckets for one IP fill and drain
// independently. Stale buckets are evicted every 5 minutes.
func RateLimiter(classifier *Classifier, humanRPS, crawlerRPS int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*clientBucket)

	go func() {
		for {
			time.Sleep(5 * time.Minute)
			mu.Lock()
			for key, b := range buckets {
				if time.Since(b.lastSeen) > 10*time.Minute {
					delete(buckets, key)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		class, rps := "human", humanRPS
		if classifier.IsCrawler(c.Request) {
			class, rps = "crawler", crawlerRPS
		}
		key := class + ":" + c.ClientIP()

		mu.Lock()
		b, ok := buckets[key]
		if !ok {
			b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(rps), rps*2)}
			buckets[key] = b
		}
		b.lastSeen = time.Now()
		mu.Unlock()

		if !b.limiter.Allow() {
			recordRateLimited(class)
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
