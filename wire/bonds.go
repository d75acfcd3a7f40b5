package wire

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/notisync/ble"
	"github.com/user/notisync/util"
)

// bondBook is the persisted bond list of one device. Both sides of a pairing
// write their own book, so a bond survives restarts of either process.
type bondBook struct {
	mu   sync.Mutex
	path string
}

func bondPath(dataDir, address string) string {
	return filepath.Join(util.GetDeviceDir(dataDir, address), "bonds.json")
}

func newBondBook(dataDir, address string) *bondBook {
	return &bondBook{path: bondPath(dataDir, address)}
}

func (b *bondBook) list() ([]ble.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return readBonds(b.path)
}

func (b *bondBook) contains(address string) bool {
	devs, err := b.list()
	if err != nil {
		return false
	}
	for _, d := range devs {
		if d.Address == address {
			return true
		}
	}
	return false
}

func (b *bondBook) add(dev ble.Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return addBond(b.path, dev)
}

func readBonds(path string) ([]ble.Device, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var devs []ble.Device
	if err := json.Unmarshal(data, &devs); err != nil {
		return nil, err
	}
	return devs, nil
}

// addBond inserts or renames dev in the bond file at path.
func addBond(path string, dev ble.Device) error {
	devs, err := readBonds(path)
	if err != nil {
		return err
	}
	replaced := false
	for i := range devs {
		if devs[i].Address == dev.Address {
			devs[i] = dev
			replaced = true
		}
	}
	if !replaced {
		devs = append(devs, dev)
	}

	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(devs, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
