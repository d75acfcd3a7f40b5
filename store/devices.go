package store

import (
	"context"
	"database/sql"
	"errors"
)

// BondedDevice is a persisted peer.
type BondedDevice struct {
	UID     int64
	Name    string
	Address string
	SyncOn  bool
}

// BondedDevices returns every persisted peer ordered by insertion.
func (s *Store) BondedDevices(ctx context.Context) ([]BondedDevice, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uid, device_name, device_address, sync_on FROM bonded_devices ORDER BY uid`)
	if err != nil {
		return nil, wrap("list bonded devices", err)
	}
	defer rows.Close()

	var out []BondedDevice
	for rows.Next() {
		var d BondedDevice
		if err := rows.Scan(&d.UID, &d.Name, &d.Address, &d.SyncOn); err != nil {
			return nil, wrap("scan bonded device", err)
		}
		out = append(out, d)
	}
	return out, wrap("list bonded devices", rows.Err())
}

// BondedDevice looks a peer up by address.
func (s *Store) BondedDevice(ctx context.Context, address string) (BondedDevice, error) {
	var d BondedDevice
	err := s.db.QueryRowContext(ctx,
		`SELECT uid, device_name, device_address, sync_on FROM bonded_devices WHERE device_address = ?`, address).
		Scan(&d.UID, &d.Name, &d.Address, &d.SyncOn)
	if errors.Is(err, sql.ErrNoRows) {
		return BondedDevice{}, ErrNotFound
	}
	if err != nil {
		return BondedDevice{}, wrap("get bonded device", err)
	}
	return d, nil
}

// InsertBondedDevice stores d and returns it with its UID set. Returns
// ErrDuplicate if the address is already stored.
func (s *Store) InsertBondedDevice(ctx context.Context, d BondedDevice) (BondedDevice, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bonded_devices(device_name, device_address, sync_on) VALUES (?, ?, ?)`,
		d.Name, d.Address, d.SyncOn)
	if err != nil {
		return BondedDevice{}, wrap("insert bonded device", err)
	}
	d.UID, err = res.LastInsertId()
	if err != nil {
		return BondedDevice{}, wrap("insert bonded device", err)
	}
	return d, nil
}

// UpdateBondedDevices rewrites name and sync flag of each device, matched by UID.
func (s *Store) UpdateBondedDevices(ctx context.Context, devices ...BondedDevice) error {
	return s.inTx(ctx, "update bonded devices", func(tx *sql.Tx) error {
		for _, d := range devices {
			if _, err := tx.ExecContext(ctx,
				`UPDATE bonded_devices SET device_name = ?, device_address = ?, sync_on = ? WHERE uid = ?`,
				d.Name, d.Address, d.SyncOn, d.UID); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteBondedDevices removes each device by address.
func (s *Store) DeleteBondedDevices(ctx context.Context, devices ...BondedDevice) error {
	return s.inTx(ctx, "delete bonded devices", func(tx *sql.Tx) error {
		for _, d := range devices {
			if _, err := tx.ExecContext(ctx, `DELETE FROM bonded_devices WHERE device_address = ?`, d.Address); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return wrap(op, err)
	}
	return wrap(op, tx.Commit())
}
