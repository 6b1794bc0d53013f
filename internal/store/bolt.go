package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices  = []byte("devices")
	bucketNetwork  = []byte("network")
	bucketReadings = []byte("readings")
	keyNetState    = []byte("state")
)

// DefaultReadingRetention is the number of readings kept per device.
const DefaultReadingRetention = 1000

// BoltStore implements Store using BoltDB. Readings live in one nested
// bucket per device, keyed by a big-endian sequence number.
type BoltStore struct {
	db        *bolt.DB
	retention int
}

// Option configures a BoltStore.
type Option func(*BoltStore)

// WithReadingRetention sets how many readings are kept per device.
func WithReadingRetention(n int) Option {
	return func(s *BoltStore) {
		if n > 0 {
			s.retention = n
		}
	}
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string, opts ...Option) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketNetwork, bucketReadings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &BoltStore{db: db, retention: DefaultReadingRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func putDevice(b *bolt.Bucket, dev *Device) error {
	data, err := json.Marshal(dev)
	if err != nil {
		return err
	}
	return b.Put([]byte(dev.IEEEAddress), data)
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putDevice(tx.Bucket(bucketDevices), dev)
	})
}

func (s *BoltStore) GetDevice(ieee string) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(ieee))
		if data == nil {
			return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) UpdateDevice(ieee string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(ieee))
		if data == nil {
			return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
		}
		var dev Device
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		if err := fn(&dev); err != nil {
			return err
		}
		dev.IEEEAddress = ieee
		return putDevice(b, &dev)
	})
}

// DeleteDevice removes the device and its reading history.
func (s *BoltStore) DeleteDevice(ieee string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDevices).Delete([]byte(ieee)); err != nil {
			return err
		}
		readings := tx.Bucket(bucketReadings)
		if readings.Bucket([]byte(ieee)) != nil {
			return readings.DeleteBucket([]byte(ieee))
		}
		return nil
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

// AppendReading stores r under the next sequence number for its device and
// prunes the oldest entries beyond the retention limit.
func (s *BoltStore) AppendReading(r *Reading) error {
	if r.IEEE == "" {
		return fmt.Errorf("append reading: empty ieee address")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketReadings).CreateBucketIfNotExists([]byte(r.IEEE))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		r.Seq = seq
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}

		// Sequences are dense and keys sort by sequence, so everything at or
		// below cutoff is older than the newest retention readings.
		if seq <= uint64(s.retention) {
			return nil
		}
		cutoff := seq - uint64(s.retention)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= cutoff; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListReadings(ieee string, limit int) ([]*Reading, error) {
	var out []*Reading
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReadings).Bucket([]byte(ieee))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var r Reading
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

func seqKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

func (s *BoltStore) SaveNetworkState(state *NetworkState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(networkStateStorage(*state))
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNetwork).Put(keyNetState, data)
	})
}

func (s *BoltStore) GetNetworkState() (*NetworkState, error) {
	var st networkStateStorage
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNetwork).Get(keyNetState)
		if data == nil {
			return fmt.Errorf("network state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, err
	}
	state := NetworkState(st)
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
