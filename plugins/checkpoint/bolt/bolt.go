// Package bolt 以 bbolt 桶保存结果表：records 按序号存行，ids 记录已出现的 packet。
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"llmbatch/pkg/contract"
)

// Options: bbolt 检查点选项。
type Options struct {
	// OpenTimeoutMS: 获取文件锁的超时（毫秒），默认 1000。
	OpenTimeoutMS int `json:"open_timeout_ms,omitempty"`
}

const Ext = ".bolt"

var (
	bucketRecords = []byte("records")
	bucketIDs     = []byte("ids")
)

// Store 实现 contract.Checkpoint。
type Store struct {
	path string
	db   *bolt.DB
}

func New(opts *Options, target contract.CheckpointTarget) (*Store, error) {
	path, err := target.File(Ext)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	timeout := time.Second
	if opts != nil && opts.OpenTimeoutMS > 0 {
		timeout = time.Duration(opts.OpenTimeoutMS) * time.Millisecond
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("bolt checkpoint %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRecords, bucketIDs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{path: path, db: db}, nil
}

var _ contract.Checkpoint = (*Store)(nil)

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return s.db.Close() }

func seqKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

// Load 按序号顺序返回全部行。
func (s *Store) Load(ctx context.Context) ([]contract.ResultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []contract.ResultRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec contract.ResultRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("checkpoint seq %d: %v: %w", binary.BigEndian.Uint64(k), err, contract.ErrInvariantViolation)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Append 在单个写事务内追加新行（提交即 fsync）；已出现的 packet 静默丢弃。
func (s *Store) Append(ctx context.Context, recs ...contract.ResultRecord) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		records, ids := tx.Bucket(bucketRecords), tx.Bucket(bucketIDs)
		for _, r := range recs {
			if !r.Present() || ids.Get([]byte(r.ID)) != nil {
				continue
			}
			seq, err := records.NextSequence()
			if err != nil {
				return err
			}
			raw, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := records.Put(seqKey(seq), raw); err != nil {
				return err
			}
			if err := ids.Put([]byte(r.ID), seqKey(seq)); err != nil {
				return err
			}
		}
		// 序号只在写入新行时递增，故等于行数。
		n = int(records.Sequence())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("checkpoint append: %w", err)
	}
	return n, nil
}
