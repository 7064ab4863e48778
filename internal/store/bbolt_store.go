package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"licensekeeper/internal/license"
)

const (
	bucketLicenses    = "licenses"
	bucketLicenseKeys = "license_keys"
	bucketOwners      = "owner_licenses"
	bucketActivations = "activations"
	bucketActIndex    = "activation_index"
)

var boltBuckets = []string{bucketLicenses, bucketLicenseKeys, bucketOwners, bucketActivations, bucketActIndex}

// BBoltStore keeps every record as JSON under a big-endian id, so bucket
// iteration order is insertion order. Secondary indexes map license keys,
// owners and (license, machine) pairs back to ids.
type BBoltStore struct {
	db     *bbolt.DB
	newKey KeyFunc
}

func OpenBBolt(path string, newKey KeyFunc) (*BBoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Errorf("create data dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, xerrors.Errorf("open bolt db: %w", err)
	}
	if newKey == nil {
		newKey = license.NewKey
	}
	return &BBoltStore{db: db, newKey: newKey}, nil
}

func (s *BBoltStore) Close() error { return s.db.Close() }

func (s *BBoltStore) Migrate(_ context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range boltBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return xerrors.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *BBoltStore) CreateLicense(_ context.Context, in NewLicense) (License, error) {
	lic := License{
		Key:        s.newKey(),
		CreatedAt:  in.CreatedAt.UTC(),
		ExpiresAt:  in.ExpiresAt.UTC(),
		IsActive:   true,
		AllowedIPs: in.AllowedIPs,
		OwnerID:    in.OwnerID,
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		keys, err := bucket(tx, bucketLicenseKeys)
		if err != nil {
			return err
		}
		if keys.Get([]byte(lic.Key)) != nil {
			return ErrConflict
		}
		licenses, err := bucket(tx, bucketLicenses)
		if err != nil {
			return err
		}
		seq, err := licenses.NextSequence()
		if err != nil {
			return err
		}
		lic.ID = int64(seq)
		if err := putJSON(licenses, itob(lic.ID), lic); err != nil {
			return err
		}
		if err := keys.Put([]byte(lic.Key), itob(lic.ID)); err != nil {
			return err
		}
		owners, err := bucket(tx, bucketOwners)
		if err != nil {
			return err
		}
		owned, err := owners.CreateBucketIfNotExists(itob(lic.OwnerID))
		if err != nil {
			return err
		}
		return owned.Put(itob(lic.ID), nil)
	})
	if err != nil {
		return License{}, xerrors.Errorf("create license: %w", err)
	}
	return lic, nil
}

func (s *BBoltStore) ListLicenses(_ context.Context, ownerID int64, offset, limit int) ([]License, error) {
	out := make([]License, 0)
	if limit <= 0 {
		return out, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		owners, err := bucket(tx, bucketOwners)
		if err != nil {
			return err
		}
		owned := owners.Bucket(itob(ownerID))
		if owned == nil {
			return nil
		}
		c := owned.Cursor()
		skipped := 0
		for k, _ := c.First(); k != nil && len(out) < limit; k, _ = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			lic, err := getLicense(tx, btoi(k))
			if err != nil {
				return err
			}
			out = append(out, lic)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("list licenses: %w", err)
	}
	return out, nil
}

func (s *BBoltStore) GetLicense(_ context.Context, id int64) (License, error) {
	var lic License
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		lic, err = getLicense(tx, id)
		return err
	})
	return lic, err
}

func (s *BBoltStore) GetLicenseByKey(_ context.Context, key string) (License, error) {
	var lic License
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		lic, err = getLicenseByKey(tx, key)
		return err
	})
	return lic, err
}

func (s *BBoltStore) FindActiveLicenseByKey(ctx context.Context, key string) (License, error) {
	lic, err := s.GetLicenseByKey(ctx, key)
	if err != nil {
		return License{}, err
	}
	if !lic.IsActive {
		return License{}, ErrNotFound
	}
	return lic, nil
}

func (s *BBoltStore) SetLicenseActive(_ context.Context, id int64, active bool) (License, error) {
	var updated License
	err := s.db.Update(func(tx *bbolt.Tx) error {
		lic, err := getLicense(tx, id)
		if err != nil {
			return err
		}
		lic.IsActive = active
		updated = lic
		licenses, err := bucket(tx, bucketLicenses)
		if err != nil {
			return err
		}
		return putJSON(licenses, itob(lic.ID), lic)
	})
	if err != nil {
		return License{}, err
	}
	return updated, nil
}

func (s *BBoltStore) FindActivation(_ context.Context, licenseID int64, machineID string) (Activation, error) {
	var act Activation
	err := s.db.View(func(tx *bbolt.Tx) error {
		index, err := bucket(tx, bucketActIndex)
		if err != nil {
			return err
		}
		id := index.Get(activationIndexKey(licenseID, machineID))
		if id == nil {
			return ErrNotFound
		}
		act, err = getActivation(tx, btoi(id))
		return err
	})
	return act, err
}

// UpsertActivation runs inside a single read-write transaction. bbolt admits
// one writer at a time, so the index lookup and the insert cannot interleave
// with another caller's.
func (s *BBoltStore) UpsertActivation(_ context.Context, licenseID int64, machineID string, ipAddress *string, now time.Time) (Activation, bool, error) {
	now = now.UTC()
	var (
		act     Activation
		created bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		index, err := bucket(tx, bucketActIndex)
		if err != nil {
			return err
		}
		activations, err := bucket(tx, bucketActivations)
		if err != nil {
			return err
		}
		indexKey := activationIndexKey(licenseID, machineID)
		if existing := index.Get(indexKey); existing != nil {
			act, err = getActivation(tx, btoi(existing))
			if err != nil {
				return err
			}
			act.LastCheckIn = now
			if ipAddress != nil {
				act.IPAddress = ipAddress
			}
			return putJSON(activations, itob(act.ID), act)
		}
		seq, err := activations.NextSequence()
		if err != nil {
			return err
		}
		act = Activation{
			ID:          int64(seq),
			LicenseID:   licenseID,
			MachineID:   machineID,
			IPAddress:   ipAddress,
			ActivatedAt: now,
			LastCheckIn: now,
		}
		if err := putJSON(activations, itob(act.ID), act); err != nil {
			return err
		}
		created = true
		return index.Put(indexKey, itob(act.ID))
	})
	if err != nil {
		return Activation{}, false, xerrors.Errorf("upsert activation: %w", err)
	}
	return act, created, nil
}

func (s *BBoltStore) ListActivations(_ context.Context, licenseID int64) ([]Activation, error) {
	out := make([]Activation, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		index, err := bucket(tx, bucketActIndex)
		if err != nil {
			return err
		}
		prefix := itob(licenseID)
		c := index.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			act, err := getActivation(tx, btoi(v))
			if err != nil {
				return err
			}
			out = append(out, act)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("list activations: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func bucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, xerrors.Errorf("bucket %q missing, run migrations first", name)
	}
	return b, nil
}

func getLicense(tx *bbolt.Tx, id int64) (License, error) {
	licenses, err := bucket(tx, bucketLicenses)
	if err != nil {
		return License{}, err
	}
	v := licenses.Get(itob(id))
	if v == nil {
		return License{}, ErrNotFound
	}
	var lic License
	if err := json.Unmarshal(v, &lic); err != nil {
		return License{}, xerrors.Errorf("decode license %d: %w", id, err)
	}
	return lic, nil
}

func getLicenseByKey(tx *bbolt.Tx, key string) (License, error) {
	keys, err := bucket(tx, bucketLicenseKeys)
	if err != nil {
		return License{}, err
	}
	id := keys.Get([]byte(key))
	if id == nil {
		return License{}, ErrNotFound
	}
	return getLicense(tx, btoi(id))
}

func getActivation(tx *bbolt.Tx, id int64) (Activation, error) {
	activations, err := bucket(tx, bucketActivations)
	if err != nil {
		return Activation{}, err
	}
	v := activations.Get(itob(id))
	if v == nil {
		return Activation{}, ErrNotFound
	}
	var act Activation
	if err := json.Unmarshal(v, &act); err != nil {
		return Activation{}, xerrors.Errorf("decode activation %d: %w", id, err)
	}
	return act, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, buf)
}

// activationIndexKey is the license id followed by the raw machine id. The
// fixed-width prefix keeps one license's activations contiguous.
func activationIndexKey(licenseID int64, machineID string) []byte {
	return append(itob(licenseID), machineID...)
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b[:8]))
}
