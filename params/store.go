// Package params persists named parameter tensors and exposes them to the
// VM as the module consumed by set_input_with_param_module.
package params

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/HayeonP/tvm-segment/log"
	"github.com/HayeonP/tvm-segment/memory"
	"github.com/HayeonP/tvm-segment/vmtypes"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const keyPrefix = "param/"

// Store wraps LevelDB for raw parameter persistence. Thread-safe: LevelDB
// handles its own synchronization.
type Store struct {
	db *leveldb.DB
}

// NewStore opens or creates a LevelDB database at the given path. If path
// is empty, uses in-memory storage.
func NewStore(path string) (*Store, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		memStorage := leveldbstorage.NewMemStorage()
		db, err = leveldb.Open(memStorage, nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open param store at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// NewMemoryStore creates an in-memory Store for testing.
func NewMemoryStore() (*Store, error) {
	return NewStore("")
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores a tensor under name.
func (s *Store) Put(name string, t vmtypes.Tensor) error {
	val, err := encodeTensor(t)
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(keyPrefix+name), val, nil); err != nil {
		return fmt.Errorf("put %q: %w", name, err)
	}
	log.Debug(log.ParamMonitoring, "param stored", "name", name, "bytes", len(val))
	return nil
}

// Get retrieves a tensor by name. Returns (nil, false, nil) if not found.
func (s *Store) Get(name string) (*memory.NDArray, bool, error) {
	data, err := s.db.Get([]byte(keyPrefix+name), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", name, err)
	}
	arr, err := decodeTensor(data)
	if err != nil {
		return nil, false, err
	}
	return arr, true, nil
}

// Names returns all stored parameter names in key order.
func (s *Store) Names() ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()
	var names []string
	for iter.Next() {
		names = append(names, strings.TrimPrefix(string(iter.Key()), keyPrefix))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return names, nil
}

// Tensor wire layout: ndim, dims..., dtype (code|bits|lanes), device
// (type|id), data bytes. All integers little-endian.
func encodeTensor(t vmtypes.Tensor) ([]byte, error) {
	shape := t.Shape()
	dt := t.DType()
	dev := t.Device()
	buf := make([]byte, 0, 8*(len(shape)+4)+len(t.Bytes()))
	tmp := make([]byte, 8)

	put := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp, v)
		buf = append(buf, tmp...)
	}
	put(uint64(len(shape)))
	for _, d := range shape {
		put(uint64(d))
	}
	put(uint64(dt.Code)<<32 | uint64(dt.Bits)<<16 | uint64(dt.Lanes))
	put(uint64(dev.Type)<<32 | uint64(uint32(dev.ID)))
	buf = append(buf, t.Bytes()...)
	return buf, nil
}

func decodeTensor(data []byte) (*memory.NDArray, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("param record too short: %d bytes", len(data))
	}
	off := 0
	get := func() (uint64, error) {
		if off+8 > len(data) {
			return 0, fmt.Errorf("param record truncated at offset %d", off)
		}
		v := binary.LittleEndian.Uint64(data[off:])
		off += 8
		return v, nil
	}
	ndim, err := get()
	if err != nil {
		return nil, err
	}
	shape := make([]int64, ndim)
	for i := range shape {
		d, err := get()
		if err != nil {
			return nil, err
		}
		shape[i] = int64(d)
	}
	dtRaw, err := get()
	if err != nil {
		return nil, err
	}
	devRaw, err := get()
	if err != nil {
		return nil, err
	}
	dt := vmtypes.DType{
		Code:  vmtypes.DTypeCode(dtRaw >> 32),
		Bits:  uint8(dtRaw >> 16),
		Lanes: uint16(dtRaw),
	}
	dev := vmtypes.Device{
		Type: vmtypes.DeviceType(devRaw >> 32),
		ID:   int(int32(uint32(devRaw))),
	}
	arr := memory.NewNDArray(shape, dt, dev)
	if len(data[off:]) != len(arr.Bytes()) {
		return nil, fmt.Errorf("param data size mismatch: have %d bytes, shape wants %d", len(data[off:]), len(arr.Bytes()))
	}
	copy(arr.Bytes(), data[off:])
	return arr, nil
}
