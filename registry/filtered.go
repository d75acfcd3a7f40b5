package registry

import (
	"context"
	"sort"

	"github.com/user/notisync/store"
)

// IsFiltered reports whether notifications from pkg must not be relayed.
func (r *Registry) IsFiltered(pkg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.filtered[pkg]
	return ok
}

// FilteredApps returns the filtered package names, sorted.
func (r *Registry) FilteredApps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.filtered))
	for pkg := range r.filtered {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// SetFilteredApps replaces the filtered-app set.
func (r *Registry) SetFilteredApps(apps []store.FilteredApp) {
	set := toSet(apps)
	r.mu.Lock()
	r.filtered = set
	r.mu.Unlock()
	r.log.Debug().Int("count", len(set)).Msg("filtered apps updated")
}

// WatchFilteredApps applies every snapshot from updates until the stream
// closes or ctx is done.
func (r *Registry) WatchFilteredApps(ctx context.Context, updates <-chan []store.FilteredApp) {
	for {
		select {
		case <-ctx.Done():
			return
		case apps, ok := <-updates:
			if !ok {
				return
			}
			r.SetFilteredApps(apps)
		}
	}
}

func toSet(apps []store.FilteredApp) map[string]struct{} {
	set := make(map[string]struct{}, len(apps))
	for _, a := range apps {
		set[a.PackageName] = struct{}{}
	}
	return set
}
