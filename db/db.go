package db

import "math/big"

// DB defines the interface for database operations
type DB interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Close() error
}

// GetUint64 reads a counter stored as big-endian big.Int bytes. ok is false when the key is absent.
func GetUint64(db DB, key []byte) (value uint64, ok bool, err error) {
	data, err := db.Get(key)
	if err != nil {
		return 0, false, err
	}
	if data == nil {
		return 0, false, nil
	}
	return new(big.Int).SetBytes(data).Uint64(), true, nil
}

// PutUint64 stores a counter as big-endian big.Int bytes.
func PutUint64(db DB, key []byte, value uint64) error {
	data := new(big.Int).SetUint64(value).Bytes()
	if len(data) == 0 {
		data = []byte{0}
	}
	return db.Put(key, data)
}
