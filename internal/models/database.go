package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

var (
	bucketAnime  = []byte("anime")
	bucketStatus = []byte("status")
)

// Database wraps the bolt store
type Database struct {
	db *bolt.DB
}

// NewDatabase creates a new database connection
func NewDatabase(path string) (*Database, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketAnime, bucketStatus} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

func animeKey(id int) []byte {
	return []byte(strconv.Itoa(id))
}

func (d *Database) put(bucket []byte, id int, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(animeKey(id), data)
	})
}

func (d *Database) get(bucket []byte, id int, value interface{}) error {
	return d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(animeKey(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, value)
	})
}

// Anime operations

// SaveAnime creates or refreshes an anime record
func (d *Database) SaveAnime(anime *AnimeRecord) error {
	anime.UpdatedAt = time.Now()
	return d.put(bucketAnime, anime.AnimeID, anime)
}

// GetAnime retrieves an anime record by AniDB ID
func (d *Database) GetAnime(id int) (*AnimeRecord, error) {
	var anime AnimeRecord
	if err := d.get(bucketAnime, id, &anime); err != nil {
		return nil, err
	}
	return &anime, nil
}

// GetAllAnime retrieves every anime record ordered by AniDB ID
func (d *Database) GetAllAnime() ([]*AnimeRecord, error) {
	var records []*AnimeRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAnime).ForEach(func(_, data []byte) error {
			var anime AnimeRecord
			if err := json.Unmarshal(data, &anime); err != nil {
				return err
			}
			records = append(records, &anime)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].AnimeID < records[j].AnimeID
	})
	return records, nil
}

// DeleteAnime deletes an anime record together with its collection status
func (d *Database) DeleteAnime(id int) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketAnime).Delete(animeKey(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketStatus).Delete(animeKey(id))
	})
}

// Status operations

// SaveStatus stores the latest collection status of an anime
func (d *Database) SaveStatus(status *CollectionStatus) error {
	return d.put(bucketStatus, status.AnimeID, status)
}

// GetStatus retrieves the last computed collection status of an anime
func (d *Database) GetStatus(id int) (*CollectionStatus, error) {
	var status CollectionStatus
	if err := d.get(bucketStatus, id, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetAllStatuses retrieves every stored collection status
func (d *Database) GetAllStatuses() ([]*CollectionStatus, error) {
	var statuses []*CollectionStatus
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStatus).ForEach(func(_, data []byte) error {
			var status CollectionStatus
			if err := json.Unmarshal(data, &status); err != nil {
				return err
			}
			statuses = append(statuses, &status)
			return nil
		})
	})
	return statuses, err
}
