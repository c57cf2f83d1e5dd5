package loop

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"wraith/internal/navigator"
	"wraith/internal/session"
)

// decisionCache short-circuits Tier 1 inference when the same page
// footprint was decided recently. Entries are keyed by
// url|tier|escalation-reason, guarded by a hash of the encoded tree, and
// expire after a TTL checked on read.
type decisionCache struct {
	entries *lru.Cache[string, cacheEntry]
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	decision  session.Decision
	footprint uint64
	storedAt  time.Time
}

func newDecisionCache(size int, ttl time.Duration) (*decisionCache, error) {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &decisionCache{entries: entries, ttl: ttl, now: time.Now}, nil
}

func cacheKey(url string, tier navigator.Tier, reason string) string {
	return url + "|" + tier.String() + "|" + reason
}

// footprint hashes the observation surface the decision depended on.
func footprint(tree *session.StructuredTree) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tree.Encoded))
	_, _ = fmt.Fprintf(h, "|%d", tree.Scroll.Y)
	return h.Sum64()
}

// get returns a cached decision when the footprint still matches and the
// entry has not expired. Expired entries are dropped on read.
func (c *decisionCache) get(url string, tier navigator.Tier, reason string, fp uint64) (session.Decision, bool) {
	key := cacheKey(url, tier, reason)
	entry, ok := c.entries.Get(key)
	if !ok {
		return session.Decision{}, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.entries.Remove(key)
		return session.Decision{}, false
	}
	if entry.footprint != fp {
		return session.Decision{}, false
	}
	return entry.decision, true
}

func (c *decisionCache) put(url string, tier navigator.Tier, reason string, fp uint64, d session.Decision) {
	c.entries.Add(cacheKey(url, tier, reason), cacheEntry{
		decision:  d,
		footprint: fp,
		storedAt:  c.now(),
	})
}

// invalidateURL drops every entry for a page. Called on navigation, url
// change, and significant mutation.
func (c *decisionCache) invalidateURL(url string) {
	prefix := url + "|"
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
		}
	}
}
