// Package storage persists associated devices, their keys and challenge
// secrets, and the adapter name saved during association.
package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rigado/companion"
)

type deviceRecord struct {
	UserID     int    `json:"userId"`
	Address    string `json:"address,omitempty"`
	Name       string `json:"name,omitempty"`
	Enabled    bool   `json:"enabled"`
	Associated bool   `json:"associated"`
	Key        string `json:"key,omitempty"`
	Secret     string `json:"secret,omitempty"`
}

type database struct {
	AdapterName string                   `json:"adapterName,omitempty"`
	UniqueID    string                   `json:"uniqueId,omitempty"`
	ActiveUser  int                      `json:"activeUser"`
	Devices     map[string]*deviceRecord `json:"devices"`
}

// Store is a companion.Storage backed by a JSON file. An empty filename
// keeps everything in memory.
type Store struct {
	filename string
	lock     sync.RWMutex
	mem      *database
}

var _ companion.Storage = (*Store)(nil)

func New(filename string) *Store {
	if filename == "" {
		return NewMemory()
	}
	return &Store{filename: filename}
}

// NewMemory returns a store that is never written to disk.
func NewMemory() *Store {
	return &Store{mem: newDatabase()}
}

func newDatabase() *database {
	return &database{Devices: map[string]*deviceRecord{}}
}

func (s *Store) StoredAdapterName() (string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	db, err := s.loadExisting()
	if err != nil {
		return "", err
	}
	return db.AdapterName, nil
}

func (s *Store) SaveAdapterName(name string) error {
	return s.update(func(db *database) error {
		db.AdapterName = name
		return nil
	})
}

func (s *Store) RemoveStoredAdapterName() error {
	return s.SaveAdapterName("")
}

// HashWithChallengeSecret returns HMAC-SHA256 of value keyed with the
// device's challenge secret.
func (s *Store) HashWithChallengeSecret(deviceID uuid.UUID, value []byte) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	db, err := s.loadExisting()
	if err != nil {
		return nil, err
	}
	secret, err := decodeField(db, deviceID, func(r *deviceRecord) string { return r.Secret })
	if err != nil {
		return nil, errors.Wrap(err, "challenge secret")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(value)
	return mac.Sum(nil), nil
}

func (s *Store) SaveChallengeSecret(deviceID uuid.UUID, secret []byte) error {
	if len(secret) == 0 {
		return errors.New("empty challenge secret")
	}
	return s.update(func(db *database) error {
		device(db, deviceID).Secret = hex.EncodeToString(secret)
		return nil
	})
}

func (s *Store) EncryptionKey(deviceID uuid.UUID) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	db, err := s.loadExisting()
	if err != nil {
		return nil, err
	}
	return decodeField(db, deviceID, func(r *deviceRecord) string { return r.Key })
}

func (s *Store) SaveEncryptionKey(deviceID uuid.UUID, key []byte) error {
	if len(key) == 0 {
		return errors.New("empty encryption key")
	}
	return s.update(func(db *database) error {
		device(db, deviceID).Key = hex.EncodeToString(key)
		return nil
	})
}

func (s *Store) ClearEncryptionKey(deviceID uuid.UUID) error {
	return s.update(func(db *database) error {
		r, ok := db.Devices[deviceID.String()]
		if !ok {
			return companion.ErrNotFound
		}
		r.Key = ""
		return nil
	})
}

// UniqueID returns the id of this head unit, creating it on first use.
func (s *Store) UniqueID() (uuid.UUID, error) {
	var id uuid.UUID
	err := s.update(func(db *database) error {
		if db.UniqueID == "" {
			db.UniqueID = uuid.New().String()
		}
		var err error
		id, err = uuid.Parse(db.UniqueID)
		return err
	})
	return id, err
}

func (s *Store) SetActiveUser(user int) error {
	return s.update(func(db *database) error {
		db.ActiveUser = user
		return nil
	})
}

func (s *Store) AddAssociatedDeviceForActiveUser(dev companion.AssociatedDevice) error {
	return s.update(func(db *database) error {
		r := device(db, dev.ID)
		r.UserID = db.ActiveUser
		r.Address = dev.Address
		r.Name = dev.Name
		r.Enabled = dev.Enabled
		r.Associated = true
		return nil
	})
}

func (s *Store) UpdateAssociatedDeviceName(deviceID uuid.UUID, name string) error {
	return s.update(func(db *database) error {
		r, ok := db.Devices[deviceID.String()]
		if !ok || !r.Associated {
			return errors.Wrapf(companion.ErrNotFound, "device %s", deviceID)
		}
		r.Name = name
		return nil
	})
}

// AssociatedDevices lists the devices associated by user, ordered by id.
func (s *Store) AssociatedDevices(user int) ([]companion.AssociatedDevice, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	db, err := s.loadExisting()
	if err != nil {
		return nil, err
	}

	var out []companion.AssociatedDevice
	for k, r := range db.Devices {
		if !r.Associated || r.UserID != user {
			continue
		}
		id, err := uuid.Parse(k)
		if err != nil {
			return nil, errors.Wrapf(err, "stored device id %q", k)
		}
		out = append(out, companion.AssociatedDevice{ID: id, Address: r.Address, Name: r.Name, Enabled: r.Enabled})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) ActiveUserAssociatedDeviceIDs() ([]uuid.UUID, error) {
	s.lock.RLock()
	db, err := s.loadExisting()
	s.lock.RUnlock()
	if err != nil {
		return nil, err
	}

	devs, err := s.AssociatedDevices(db.ActiveUser)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(devs))
	for _, d := range devs {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// ClearAssociatedDevice forgets a device and its secrets.
func (s *Store) ClearAssociatedDevice(user int, deviceID uuid.UUID) error {
	return s.update(func(db *database) error {
		r, ok := db.Devices[deviceID.String()]
		if !ok || r.UserID != user {
			return errors.Wrapf(companion.ErrNotFound, "device %s for user %d", deviceID, user)
		}
		delete(db.Devices, deviceID.String())
		return nil
	})
}

// Clear removes the backing file.
func (s *Store) Clear() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.filename == "" {
		s.mem = newDatabase()
		return nil
	}
	err := os.Remove(s.filename)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func device(db *database, id uuid.UUID) *deviceRecord {
	r, ok := db.Devices[id.String()]
	if !ok {
		r = &deviceRecord{}
		db.Devices[id.String()] = r
	}
	return r
}

func decodeField(db *database, id uuid.UUID, field func(*deviceRecord) string) ([]byte, error) {
	r, ok := db.Devices[id.String()]
	if !ok || field(r) == "" {
		return nil, errors.Wrapf(companion.ErrNotFound, "device %s", id)
	}
	return hex.DecodeString(field(r))
}

func (s *Store) update(fn func(db *database) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	db, err := s.loadExisting()
	if err != nil {
		return err
	}
	if err := fn(db); err != nil {
		return err
	}
	return s.storeDatabase(db)
}

func (s *Store) loadExisting() (*database, error) {
	if s.filename == "" {
		return s.mem, nil
	}

	in, err := os.ReadFile(s.filename)
	if os.IsNotExist(err) {
		return newDatabase(), nil
	}
	if err != nil {
		return nil, err
	}

	db := newDatabase()
	if err := jsoniter.Unmarshal(in, db); err != nil {
		return nil, errors.Wrapf(err, "parse %s", s.filename)
	}
	if db.Devices == nil {
		db.Devices = map[string]*deviceRecord{}
	}
	return db, nil
}

func (s *Store) storeDatabase(db *database) error {
	if s.filename == "" {
		s.mem = db
		return nil
	}

	out, err := jsoniter.MarshalIndent(db, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.filename, out, 0600)
}
