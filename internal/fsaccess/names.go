package fsaccess

import (
	"os/user"
	"strconv"
	"sync"
	"time"
)

// idCache memoizes numeric-id-to-name lookups against the account
// database. The working set is tiny (the distinct owners appearing in
// one filesystem tree) and only changes when the administrator edits
// accounts, so there is no per-entry bookkeeping: the whole map is
// dropped once it is older than the refresh interval or has grown past
// the bound. Misses are cached too, as the decimal id, so an unknown
// uid does not hit the account database once per entry.
type idCache struct {
	mu      sync.Mutex
	names   map[uint32]string
	fetched time.Time
	refresh time.Duration
	bound   int
	now     func() time.Time
}

func newIDCache(refresh time.Duration, bound int) *idCache {
	return &idCache{
		names:   make(map[uint32]string),
		refresh: refresh,
		bound:   bound,
		now:     time.Now,
	}
}

// lookup returns the cached name for id, consulting resolve on a miss.
// When resolve has no answer the decimal form of the id is used.
func (c *idCache) lookup(id uint32, resolve func(key string) (string, bool)) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.now().Sub(c.fetched) > c.refresh || len(c.names) >= c.bound {
		c.names = make(map[uint32]string)
		c.fetched = c.now()
	}

	if name, ok := c.names[id]; ok {
		return name
	}

	key := strconv.FormatUint(uint64(id), 10)
	name, ok := resolve(key)
	if !ok {
		name = key
	}
	c.names[id] = name
	return name
}

// NameResolver maps numeric uid/gid to names. Lookups against the
// account database can be slow on large clusters, and the pipeline
// resolves the same handful of owners over and over.
type NameResolver struct {
	users  *idCache
	groups *idCache
}

func NewNameResolver() *NameResolver {
	return &NameResolver{
		users:  newIDCache(10*time.Minute, 10000),
		groups: newIDCache(10*time.Minute, 10000),
	}
}

// UserName returns the account name for uid, or its decimal form when
// the uid is unknown.
func (r *NameResolver) UserName(uid uint32) string {
	return r.users.lookup(uid, func(key string) (string, bool) {
		if u, err := user.LookupId(key); err == nil {
			return u.Username, true
		}
		return "", false
	})
}

// GroupName returns the group name for gid, or its decimal form when
// the gid is unknown.
func (r *NameResolver) GroupName(gid uint32) string {
	return r.groups.lookup(gid, func(key string) (string, bool) {
		if g, err := user.LookupGroupId(key); err == nil {
			return g.Name, true
		}
		return "", false
	})
}

// UserID resolves an account name back to a uid; -1 when unknown.
func (r *NameResolver) UserID(name string) int {
	if u, err := user.Lookup(name); err == nil {
		if uid, err := strconv.Atoi(u.Uid); err == nil {
			return uid
		}
	}
	if uid, err := strconv.Atoi(name); err == nil {
		return uid
	}
	return -1
}

// GroupID resolves a group name back to a gid; -1 when unknown.
func (r *NameResolver) GroupID(name string) int {
	if g, err := user.LookupGroup(name); err == nil {
		if gid, err := strconv.Atoi(g.Gid); err == nil {
			return gid
		}
	}
	if gid, err := strconv.Atoi(name); err == nil {
		return gid
	}
	return -1
}
