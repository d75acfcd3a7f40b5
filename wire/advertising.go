package wire

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// advert is the advertising packet a device publishes while its GATT server
// is open. Scanners discover devices by reading the advert directory.
type advert struct {
	Address      string   `json:"address"`
	Name         string   `json:"name"`
	ServiceUUIDs []string `json:"service_uuids"`
}

func (a advert) offers(service uuid.UUID) bool {
	want := service.String()
	for _, s := range a.ServiceUUIDs {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

func advertPath(dir, address string) string {
	name := strings.NewReplacer(":", "-", "/", "-", "\\", "-").Replace(address)
	return filepath.Join(dir, name+".json")
}

// publishAdvert writes a atomically so scanners never see a partial file.
func publishAdvert(dir string, a advert) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	path := advertPath(dir, a.Address)
	tmp, err := os.CreateTemp(dir, ".advert-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func withdrawAdvert(dir, address string) error {
	err := os.Remove(advertPath(dir, address))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// readAdverts lists every published advert. Unreadable files are skipped.
func readAdverts(dir string) ([]advert, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []advert
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var a advert
		if err := json.Unmarshal(data, &a); err != nil || a.Address == "" {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// lookupAdvert returns the advert published by address.
func lookupAdvert(dir, address string) (advert, bool) {
	data, err := os.ReadFile(advertPath(dir, address))
	if err != nil {
		return advert{}, false
	}
	var a advert
	if err := json.Unmarshal(data, &a); err != nil {
		return advert{}, false
	}
	return a, true
}
