package objstore

import "sync"

// usageTracker keeps an in-memory running total of bytes stored per
// tenant and per (tenant, kind), refreshed on every Put/Evict. It is not
// loaded from the relational refs table: after a process restart it
// starts at zero (unless Seed is called) and counts only bytes written
// since, so CheckQuota sees usage from this process's lifetime only.
type usageTracker struct {
	mu         sync.Mutex
	totalBytes int64
	byTenant   map[string]int64
	byTenantKind map[string]int64
}

func newUsageTracker() *usageTracker {
	return &usageTracker{
		byTenant:     map[string]int64{},
		byTenantKind: map[string]int64{},
	}
}

func tenantKindKey(tenant string, kind Kind) string { return tenant + "\x1f" + string(kind) }

func (u *usageTracker) add(tenant string, kind Kind, size int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.totalBytes += size
	u.byTenant[tenant] += size
	u.byTenantKind[tenantKindKey(tenant, kind)] += size
}

func (u *usageTracker) sub(tenant string, kind Kind, size int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.totalBytes -= size
	u.byTenant[tenant] -= size
	u.byTenantKind[tenantKindKey(tenant, kind)] -= size
}

func (u *usageTracker) total() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.totalBytes
}

func (u *usageTracker) tenant(tenant string) int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.byTenant[tenant]
}

func (u *usageTracker) tenantType(tenant string, kind Kind) int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.byTenantKind[tenantKindKey(tenant, kind)]
}

// Seed primes the tracker from a durable usage snapshot (e.g. loaded
// from Postgres on startup), so quota checks are accurate immediately
// rather than only after this process's own writes.
func (s *Store) Seed(tenant string, kind Kind, bytes int64) {
	s.usage.mu.Lock()
	defer s.usage.mu.Unlock()
	s.usage.totalBytes += bytes
	s.usage.byTenant[tenant] += bytes
	s.usage.byTenantKind[tenantKindKey(tenant, kind)] += bytes
}
