package store

import (
	"context"
	"time"
)

// FilteredApp is an application whose notifications are never relayed.
type FilteredApp struct {
	UID         int64
	PackageName string
}

// FilteredApps returns every filtered app ordered by package name.
func (s *Store) FilteredApps(ctx context.Context) ([]FilteredApp, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uid, package_name FROM filtered_apps ORDER BY package_name`)
	if err != nil {
		return nil, wrap("list filtered apps", err)
	}
	defer rows.Close()

	var out []FilteredApp
	for rows.Next() {
		var a FilteredApp
		if err := rows.Scan(&a.UID, &a.PackageName); err != nil {
			return nil, wrap("scan filtered app", err)
		}
		out = append(out, a)
	}
	return out, wrap("list filtered apps", rows.Err())
}

// AddFilteredApp filters pkg. Adding an already filtered app is a no-op.
func (s *Store) AddFilteredApp(ctx context.Context, pkg string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO filtered_apps(package_name) VALUES (?) ON CONFLICT(package_name) DO NOTHING`, pkg)
	if err != nil {
		return wrap("insert filtered app", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.publishFilteredApps(ctx)
	}
	return nil
}

// RemoveFilteredApp stops filtering pkg.
func (s *Store) RemoveFilteredApp(ctx context.Context, pkg string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM filtered_apps WHERE package_name = ?`, pkg)
	if err != nil {
		return wrap("delete filtered app", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.publishFilteredApps(ctx)
	}
	return nil
}

// SubscribeFilteredApps returns a stream of filtered-app snapshots. The
// current snapshot is sent first, then one per change. A slow reader only
// ever sees the latest snapshot. The channel closes when ctx is done.
func (s *Store) SubscribeFilteredApps(ctx context.Context) (<-chan []FilteredApp, error) {
	current, err := s.FilteredApps(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan []FilteredApp, 1)
	ch <- current

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
		s.subMu.Unlock()
	}()
	return ch, nil
}

func (s *Store) publishFilteredApps(ctx context.Context) {
	apps, err := s.FilteredApps(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reload filtered apps")
		return
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- apps
	}
}

// WatchExternalChanges polls for commits made by other processes and
// republishes the filtered apps when one is seen. It blocks until ctx is done.
func (s *Store) WatchExternalChanges(ctx context.Context, interval time.Duration) {
	last, err := s.dataVersion(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("data_version unavailable, external changes will not be seen")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		v, err := s.dataVersion(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("poll data_version")
			continue
		}
		if v != last {
			last = v
			s.log.Debug().Msg("database changed by another process")
			s.publishFilteredApps(ctx)
		}
	}
}

func (s *Store) dataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v); err != nil {
		return 0, wrap("data_version", err)
	}
	return v, nil
}
