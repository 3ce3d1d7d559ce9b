package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/rcliao/memory-api/internal/model"
)

// Key layout:
//
//	m/<id>   JSON record
//	k/<key>  id, the unique key index
//	_schema  applied schema version
const (
	badgerRecordPrefix = "m/"
	badgerKeyPrefix    = "k/"
	badgerSchemaKey    = "_schema"
)

// badgerMigrations run inside one read-write transaction each.
var badgerMigrations = []func(txn *badger.Txn) error{
	// 1: key layout above; nothing to backfill.
	func(txn *badger.Txn) error { return nil },
}

// BadgerStore implements Store on an embedded BadgerDB directory.
type BadgerStore struct {
	base
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// badgerLoggerAdapter adapts slog.Logger to badger.Logger.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

type badgerRecord struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	Body      model.Body `json:"body"`
	Tags      []string   `json:"tags"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewBadgerStore opens or creates a BadgerDB directory.
func NewBadgerStore(dir string, opts Options) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	b := newBase(opts)
	bopts := badger.DefaultOptions(dir).WithLogger(&badgerLoggerAdapter{logger: b.opts.Logger})
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{base: b, db: db}, nil
}

func (bs *BadgerStore) latestVersion() int { return len(badgerMigrations) }

func (bs *BadgerStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := bs.db.View(func(txn *badger.Txn) error {
		var err error
		v, err = badgerVersion(txn)
		return err
	})
	if err != nil {
		return 0, bs.fail("schema version", "", err)
	}
	return v, nil
}

func badgerVersion(txn *badger.Txn) (int, error) {
	item, err := txn.Get([]byte(badgerSchemaKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v int
	err = item.Value(func(val []byte) error {
		v, err = strconv.Atoi(string(val))
		return err
	})
	return v, err
}

func (bs *BadgerStore) Migrate(ctx context.Context) error {
	for {
		var applied int
		err := bs.db.Update(func(txn *badger.Txn) error {
			current, err := badgerVersion(txn)
			if err != nil {
				return err
			}
			if current >= len(badgerMigrations) {
				return nil
			}
			if err := badgerMigrations[current](txn); err != nil {
				return fmt.Errorf("version %d: %w", current+1, err)
			}
			applied = current + 1
			return txn.Set([]byte(badgerSchemaKey), []byte(strconv.Itoa(applied)))
		})
		if err != nil {
			return bs.fail("migrate", "", err)
		}
		if applied == 0 {
			return nil
		}
		bs.opts.Logger.Info("applied migration", "backend", "badger", "version", applied)
	}
}

func (bs *BadgerStore) Upsert(ctx context.Context, p UpsertParams) (*model.Memory, error) {
	mem, err := bs.prepare(p)
	if err != nil {
		return nil, err
	}
	ctx, cancel := bs.opCtx(ctx)
	defer cancel()

	err = bs.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := badgerLookupKey(txn, mem.Key)
		if err != nil {
			return err
		}
		if id == "" {
			id = bs.newID()
		}
		mem.ID = id
		return badgerPut(txn, mem)
	})
	if err != nil {
		return nil, bs.fail("upsert", mem.Key, err)
	}
	return &mem, nil
}

func (bs *BadgerStore) GetExact(ctx context.Context, key string) (*model.Memory, error) {
	folded, err := bs.lookupKey(key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := bs.opCtx(ctx)
	defer cancel()

	var found *model.Memory
	err = bs.db.View(func(txn *badger.Txn) error {
		m, err := badgerTarget(ctx, txn, folded, nil)
		found = m
		return err
	})
	if err != nil {
		return nil, bs.fail("get", key, err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	bs.localize(found)
	return found, nil
}

func (bs *BadgerStore) ListRecent(ctx context.Context, p ListParams) ([]model.Memory, error) {
	tag, err := model.ValidateTagFilter(p.Tag, bs.opts.TagMode)
	if err != nil {
		return nil, err
	}
	ctx, cancel := bs.opCtx(ctx)
	defer cancel()
	return bs.collect(ctx, "list", func(m *model.Memory) bool {
		return tag == "" || m.HasTag(tag)
	}, p.Limit)
}

func (bs *BadgerStore) Scan(ctx context.Context, p ScanParams) ([]model.Memory, error) {
	tag, err := model.ValidateTagFilter(p.Tag, bs.opts.TagMode)
	if err != nil {
		return nil, err
	}
	ctx, cancel := bs.opCtx(ctx)
	defer cancel()
	return bs.collect(ctx, "scan", func(m *model.Memory) bool {
		return matches(m, p.Query, tag)
	}, p.Limit)
}

// collect walks every record, keeps those accepted by keep, and returns them
// newest first.
func (bs *BadgerStore) collect(ctx context.Context, op string, keep func(*model.Memory) bool, limit int) ([]model.Memory, error) {
	memories := []model.Memory{}
	err := bs.db.View(func(txn *badger.Txn) error {
		return badgerEach(ctx, txn, func(m *model.Memory) error {
			if keep(m) {
				memories = append(memories, *m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, bs.fail(op, "", err)
	}
	sortNewestFirst(memories)
	if limit > 0 && len(memories) > limit {
		memories = memories[:limit]
	}
	for i := range memories {
		bs.localize(&memories[i])
	}
	return memories, nil
}

func (bs *BadgerStore) Delete(ctx context.Context, p DeleteParams) (bool, error) {
	folded, err := bs.lookupKey(p.Key)
	if err != nil {
		return false, err
	}
	ctx, cancel := bs.opCtx(ctx)
	defer cancel()

	var deleted bool
	err = bs.db.Update(func(txn *badger.Txn) error {
		m, err := badgerTarget(ctx, txn, folded, p.CreatedAt)
		if err != nil || m == nil {
			return err
		}
		if err := txn.Delete([]byte(badgerRecordPrefix + m.ID)); err != nil {
			return err
		}
		deleted = true
		return txn.Delete([]byte(badgerKeyPrefix + m.Key))
	})
	if err != nil {
		return false, bs.fail("delete", p.Key, err)
	}
	return deleted, nil
}

func (bs *BadgerStore) Edit(ctx context.Context, p EditParams) (*model.Memory, error) {
	folded, err := bs.lookupKey(p.Key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := bs.opCtx(ctx)
	defer cancel()

	var edited *model.Memory
	err = bs.db.Update(func(txn *badger.Txn) error {
		m, err := badgerTarget(ctx, txn, folded, p.CreatedAt)
		if err != nil || m == nil {
			return err
		}
		oldKey := m.Key
		if err := bs.applyPatch(m, p.Patch); err != nil {
			return err
		}
		if m.Key != oldKey {
			owner, err := badgerLookupKey(txn, m.Key)
			if err != nil {
				return err
			}
			if owner != "" && owner != m.ID {
				return errDuplicateKey(m.Key)
			}
			if err := txn.Delete([]byte(badgerKeyPrefix + oldKey)); err != nil {
				return err
			}
		}
		edited = m
		return badgerPut(txn, *m)
	})
	if errors.Is(err, ErrValidation) {
		return nil, err
	}
	if err != nil {
		return nil, bs.fail("edit", p.Key, err)
	}
	if edited == nil {
		return nil, ErrNotFound
	}
	bs.localize(edited)
	return edited, nil
}

func (bs *BadgerStore) Count(ctx context.Context) (int, error) {
	ctx, cancel := bs.opCtx(ctx)
	defer cancel()

	var n int
	err := bs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerRecordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, bs.fail("count", "", err)
	}
	return n, nil
}

func (bs *BadgerStore) Snapshot(ctx context.Context) ([]model.Memory, error) {
	ctx, cancel := bs.opCtx(ctx)
	defer cancel()
	return bs.collect(ctx, "snapshot", func(*model.Memory) bool { return true }, 0)
}

func (bs *BadgerStore) Restore(ctx context.Context, records []model.Memory) (int, error) {
	ctx, cancel := bs.opCtx(ctx)
	defer cancel()

	var rerr *RestoreError
	err := bs.db.Update(func(txn *badger.Txn) error {
		for i, rec := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, err := bs.checkRestore(rec)
			if err != nil {
				rerr = &RestoreError{Index: i, Key: rec.Key, Err: err}
				return rerr
			}
			owner, err := badgerLookupKey(txn, m.Key)
			if err != nil {
				return err
			}
			if owner != "" {
				rerr = &RestoreError{Index: i, Key: m.Key, Err: errDuplicateKey(m.Key)}
				return rerr
			}
			if err := badgerPut(txn, m); err != nil {
				rerr = &RestoreError{Index: i, Key: m.Key, Err: bs.fail("restore", m.Key, err)}
				return rerr
			}
		}
		return nil
	})
	if rerr != nil {
		return 0, rerr
	}
	if err != nil {
		return 0, &RestoreError{Index: -1, Err: bs.fail("restore", "", err)}
	}
	return len(records), nil
}

func (bs *BadgerStore) Stats(ctx context.Context) (*Stats, error) {
	v, err := bs.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	mems, err := bs.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	st := statsOf("badger", mems)
	st.SchemaVers = v
	return st, nil
}

func (bs *BadgerStore) Close() error {
	return bs.db.Close()
}

func badgerLookupKey(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(badgerKeyPrefix + key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	return string(val), err
}

func badgerPut(txn *badger.Txn, m model.Memory) error {
	data, err := json.Marshal(badgerRecord{
		ID: m.ID, Key: m.Key, Body: m.Body, Tags: m.Tags, CreatedAt: m.CreatedAt.UTC(),
	})
	if err != nil {
		return err
	}
	if err := txn.Set([]byte(badgerRecordPrefix+m.ID), data); err != nil {
		return err
	}
	return txn.Set([]byte(badgerKeyPrefix+m.Key), []byte(m.ID))
}

func badgerEach(ctx context.Context, txn *badger.Txn, fn func(*model.Memory) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(badgerRecordPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rec badgerRecord
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
		if err != nil {
			return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		m := model.Memory{ID: rec.ID, Key: rec.Key, Body: rec.Body, Tags: rec.Tags, CreatedAt: rec.CreatedAt}
		if err := fn(&m); err != nil {
			return err
		}
	}
	return nil
}

// badgerTarget returns the newest record whose folded key matches, optionally
// pinned to createdAt. It returns nil when nothing matches.
func badgerTarget(ctx context.Context, txn *badger.Txn, folded string, createdAt *time.Time) (*model.Memory, error) {
	var best *model.Memory
	err := badgerEach(ctx, txn, func(m *model.Memory) error {
		if fold(m.Key) != folded {
			return nil
		}
		if createdAt != nil && !m.CreatedAt.Equal(*createdAt) {
			return nil
		}
		if best == nil || m.CreatedAt.After(best.CreatedAt) {
			best = m
		}
		return nil
	})
	return best, err
}

func sortNewestFirst(mems []model.Memory) {
	sort.SliceStable(mems, func(i, j int) bool {
		return mems[i].CreatedAt.After(mems[j].CreatedAt)
	})
}
