package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/alarmd/internal/metrics"
	"github.com/nkkko/alarmd/internal/storage"
	"github.com/nkkko/alarmd/pkg/proto"
)

// Ensure Storage implements storage.Storage
var _ storage.Storage = (*Storage)(nil)

const (
	// Key prefixes
	prefixNotification = "ntf:"
	prefixRecipient    = "rcp:"
	prefixUnread       = "unr:"

	// Sequence key for notification ids
	sequenceKey = "seq:notification"

	// Ids leased from the sequence per disk write
	sequenceBandwidth = 100

	// Commit attempts before a conflicting read-modify-write gives up
	maxConflictRetries = 8
)

// Storage persists notifications in Badger.
//
// Layout:
//
//	ntf:<id>                    JSON notification
//	rcp:<recipient>\x00<id>     recipient index, empty value
//	unr:<recipient>\x00<id>     unread index, empty value
//
// Ids are big-endian uint64 so index scans come back in creation order.
type Storage struct {
	config Config
	db     *badger.DB
	seq    *badger.Sequence
	cache  *storage.Cache
	logger zerolog.Logger
	now    func() time.Time
}

// NewStorage opens (or creates) the Badger database under config.DataDir
func NewStorage(config Config) (*Storage, error) {
	logger := log.With().Str("component", "storage-badger").Logger()
	config = config.withDefaults()

	s := &Storage{
		config: config,
		logger: logger,
		now:    time.Now,
	}

	if err := s.initBadger(); err != nil {
		return nil, err
	}

	seq, err := s.db.GetSequence([]byte(sequenceKey), sequenceBandwidth)
	if err != nil {
		s.db.Close()
		return nil, fmt.Errorf("failed to open id sequence: %w", err)
	}
	s.seq = seq

	if config.CacheEnabled {
		cache, err := storage.NewCache(config.CacheSize, config.CacheExpiration)
		if err != nil {
			s.seq.Release()
			s.db.Close()
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
		s.cache = cache
		s.logger.Info().
			Int("cache_size", config.CacheSize).
			Dur("cache_expiration", config.CacheExpiration).
			Msg("Cache initialized")
	}

	return s, nil
}

// initBadger initializes the Badger database
func (s *Storage) initBadger() error {
	var options badger.Options
	if s.config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := filepath.Join(s.config.DataDir, "badger")
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return fmt.Errorf("failed to create badger directory: %w", err)
		}
		options = badger.DefaultOptions(dbPath)
	}

	options = options.
		WithLoggingLevel(badger.WARNING).
		WithSyncWrites(s.config.SyncWrites).
		WithNumVersionsToKeep(1).
		WithDetectConflicts(true)
	if s.config.MemTableSize > 0 {
		options = options.WithMemTableSize(s.config.MemTableSize)
	}
	if s.config.BlockCacheSize > 0 {
		options = options.WithBlockCacheSize(s.config.BlockCacheSize)
	}

	db, err := badger.Open(options)
	if err != nil {
		return fmt.Errorf("failed to open Badger: %w", err)
	}

	s.db = db
	return nil
}

// Start runs metrics collection and value log GC until ctx is cancelled
func (s *Storage) Start(ctx context.Context) error {
	go s.collectMetrics(ctx)
	if !s.config.InMemory {
		go s.runPeriodicGC(ctx)
	}

	<-ctx.Done()
	return nil
}

// collectMetrics periodically reports the on-disk size of the database
func (s *Storage) collectMetrics(ctx context.Context) {
	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	m := metrics.GetMetrics()
	for {
		select {
		case <-ticker.C:
			lsm, vlog := s.db.Size()
			m.DBSize.Set(float64(lsm + vlog))
		case <-ctx.Done():
			return
		}
	}
}

// runPeriodicGC reclaims value log space on a regular interval
func (s *Storage) runPeriodicGC(ctx context.Context) {
	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// One GC call rewrites at most one file; loop until nothing is left
			for {
				err := s.db.RunValueLogGC(s.config.GCDiscardRatio)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
						s.logger.Warn().Err(err).Msg("Value log GC failed")
					}
					break
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown releases the id sequence and closes the database
func (s *Storage) Shutdown(ctx context.Context) error {
	if err := s.seq.Release(); err != nil {
		s.logger.Error().Err(err).Msg("Error releasing id sequence")
	}

	if s.cache != nil {
		s.cache.Clear()
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close Badger: %w", err)
	}
	return nil
}

// notificationKey builds the primary key for a notification
func notificationKey(id uint64) []byte {
	key := make([]byte, len(prefixNotification)+8)
	copy(key, prefixNotification)
	binary.BigEndian.PutUint64(key[len(prefixNotification):], id)
	return key
}

// indexPrefix builds <prefix><recipient>\x00
func indexPrefix(prefix, recipientID string) []byte {
	key := make([]byte, 0, len(prefix)+len(recipientID)+1)
	key = append(key, prefix...)
	key = append(key, recipientID...)
	return append(key, 0)
}

// indexKey builds <prefix><recipient>\x00<id>
func indexKey(prefix, recipientID string, id uint64) []byte {
	p := indexPrefix(prefix, recipientID)
	key := make([]byte, len(p)+8)
	copy(key, p)
	binary.BigEndian.PutUint64(key[len(p):], id)
	return key
}

// idFromIndexKey extracts the trailing id of an index key
func idFromIndexKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// nextID leases the next notification id; ids start at 1
func (s *Storage) nextID() (uint64, error) {
	id, err := s.seq.Next()
	if err != nil {
		return 0, err
	}
	return id + 1, nil
}

// cacheEpoch is the cache epoch to fill with after a store load
func (s *Storage) cacheEpoch() uint64 {
	if s.cache == nil {
		return 0
	}
	return s.cache.Epoch()
}

// CreateNotification persists a new unread notification
func (s *Storage) CreateNotification(ctx context.Context, req *proto.CreateNotificationRequest) (*proto.Notification, error) {
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("create_notification"))
	defer timer.ObserveDuration()

	if err := storage.ValidateRecipient(req.RecipientID); err != nil {
		m.StorageOperations.WithLabelValues("create_notification", "false").Inc()
		return nil, err
	}

	id, err := s.nextID()
	if err != nil {
		m.StorageOperations.WithLabelValues("create_notification", "false").Inc()
		return nil, fmt.Errorf("failed to allocate notification id: %w", err)
	}

	n := storage.NewNotification(id, req, s.now())
	epoch := s.cacheEpoch()
	data, err := json.Marshal(n)
	if err != nil {
		m.StorageOperations.WithLabelValues("create_notification", "false").Inc()
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(notificationKey(id), data); err != nil {
			return err
		}
		if err := txn.Set(indexKey(prefixRecipient, n.RecipientID, id), nil); err != nil {
			return err
		}
		return txn.Set(indexKey(prefixUnread, n.RecipientID, id), nil)
	})
	if err != nil {
		m.StorageOperations.WithLabelValues("create_notification", "false").Inc()
		return nil, fmt.Errorf("failed to store notification: %w", err)
	}

	if s.cache != nil {
		s.cache.Fill(n, epoch)
	}

	m.NotificationsTotal.Inc()
	m.StorageOperations.WithLabelValues("create_notification", "true").Inc()
	return storage.Clone(n), nil
}

// loadNotification reads and decodes the primary record inside txn
func loadNotification(txn *badger.Txn, id uint64) (*proto.Notification, error) {
	item, err := txn.Get(notificationKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to retrieve notification: %w", err)
	}

	var n proto.Notification
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &n)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode notification %d: %w", id, err)
	}
	return &n, nil
}

// GetNotification retrieves a notification by id for its owner
func (s *Storage) GetNotification(ctx context.Context, recipientID string, id uint64) (*proto.Notification, error) {
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("get_notification"))
	defer timer.ObserveDuration()

	if s.cache != nil {
		if n, found := s.cache.Get(id); found {
			if n.RecipientID != recipientID {
				return nil, storage.ErrNotFound
			}
			return n, nil
		}
	}

	epoch := s.cacheEpoch()
	var n *proto.Notification
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = loadNotification(txn, id)
		return err
	})
	if err != nil {
		m.StorageOperations.WithLabelValues("get_notification", "false").Inc()
		return nil, err
	}

	if s.cache != nil {
		s.cache.Fill(n, epoch)
	}
	m.StorageOperations.WithLabelValues("get_notification", "true").Inc()

	if n.RecipientID != recipientID {
		return nil, storage.ErrNotFound
	}
	return n, nil
}

// ListRecent returns up to limit notifications for a recipient, newest first
func (s *Storage) ListRecent(ctx context.Context, recipientID string, limit int) ([]*proto.Notification, error) {
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("list_recent"))
	defer timer.ObserveDuration()

	if limit <= 0 {
		return []*proto.Notification{}, nil
	}

	epoch := s.cacheEpoch()
	result := make([]*proto.Notification, 0, limit)
	var loaded []*proto.Notification
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := indexPrefix(prefixRecipient, recipientID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode Seek lands on the largest key <= the seek key
		for it.Seek(indexKey(prefixRecipient, recipientID, ^uint64(0))); it.ValidForPrefix(prefix); it.Next() {
			id := idFromIndexKey(it.Item().Key())

			if s.cache != nil {
				if n, found := s.cache.Get(id); found {
					result = append(result, n)
					if len(result) >= limit {
						break
					}
					continue
				}
			}

			n, err := loadNotification(txn, id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					s.logger.Warn().Uint64("id", id).Msg("Dangling recipient index entry")
					continue
				}
				return err
			}

			result = append(result, n)
			loaded = append(loaded, n)
			if len(result) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		m.StorageOperations.WithLabelValues("list_recent", "false").Inc()
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	if s.cache != nil {
		for _, n := range loaded {
			s.cache.Fill(n, epoch)
		}
	}

	m.StorageOperations.WithLabelValues("list_recent", "true").Inc()
	return result, nil
}

// CountUnread counts entries in the recipient's unread index
func (s *Storage) CountUnread(ctx context.Context, recipientID string) (int, error) {
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("count_unread"))
	defer timer.ObserveDuration()

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := indexPrefix(prefixUnread, recipientID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		m.StorageOperations.WithLabelValues("count_unread", "false").Inc()
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}

	m.StorageOperations.WithLabelValues("count_unread", "true").Inc()
	return count, nil
}

// markReadInTxn flips one notification to read. It reports whether the
// record changed.
func markReadInTxn(txn *badger.Txn, recipientID string, id uint64) (*proto.Notification, bool, error) {
	n, err := loadNotification(txn, id)
	if err != nil {
		return nil, false, err
	}
	if n.RecipientID != recipientID {
		return nil, false, storage.ErrNotFound
	}
	if n.Read {
		return n, false, nil
	}

	n.Read = true
	data, err := json.Marshal(n)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := txn.Set(notificationKey(id), data); err != nil {
		return nil, false, err
	}
	if err := txn.Delete(indexKey(prefixUnread, recipientID, id)); err != nil {
		return nil, false, err
	}
	return n, true, nil
}

// updateWithRetry runs fn in a read-write transaction, retrying when the
// commit loses an optimistic conflict
func (s *Storage) updateWithRetry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

// MarkRead marks a single notification read
func (s *Storage) MarkRead(ctx context.Context, recipientID string, id uint64) (*proto.Notification, error) {
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("mark_read"))
	defer timer.ObserveDuration()

	var n *proto.Notification
	err := s.updateWithRetry(ctx, func(txn *badger.Txn) error {
		var err error
		n, _, err = markReadInTxn(txn, recipientID, id)
		return err
	})
	if err != nil {
		m.StorageOperations.WithLabelValues("mark_read", "false").Inc()
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to mark notification read: %w", err)
	}

	if s.cache != nil {
		s.cache.Set(n)
	}
	m.StorageOperations.WithLabelValues("mark_read", "true").Inc()
	return n, nil
}

// MarkAllRead marks every notification unread at the time of the call.
// The id set comes from one read snapshot; the flips are committed in
// batches so large backlogs stay under Badger's transaction limit.
func (s *Storage) MarkAllRead(ctx context.Context, recipientID string) ([]uint64, error) {
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("mark_all_read"))
	defer timer.ObserveDuration()

	var snapshot []uint64
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := indexPrefix(prefixUnread, recipientID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			snapshot = append(snapshot, idFromIndexKey(it.Item().Key()))
		}
		return nil
	})
	if err != nil {
		m.StorageOperations.WithLabelValues("mark_all_read", "false").Inc()
		return nil, fmt.Errorf("failed to scan unread notifications: %w", err)
	}

	changed := make([]uint64, 0, len(snapshot))
	for start := 0; start < len(snapshot); {
		end := start + s.config.MarkAllBatchSize
		if end > len(snapshot) {
			end = len(snapshot)
		}
		batch := snapshot[start:end]

		var flipped []uint64
		err := s.updateWithRetry(ctx, func(txn *badger.Txn) error {
			flipped = flipped[:0]
			for _, id := range batch {
				_, ok, err := markReadInTxn(txn, recipientID, id)
				if err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						continue
					}
					return err
				}
				if ok {
					flipped = append(flipped, id)
				}
			}
			return nil
		})
		if err != nil {
			if s.cache != nil {
				s.cache.Invalidate(changed...)
			}
			m.StorageOperations.WithLabelValues("mark_all_read", "false").Inc()
			return changed, fmt.Errorf("failed to mark notifications read: %w", err)
		}

		changed = append(changed, flipped...)
		start = end
	}

	if s.cache != nil {
		s.cache.Invalidate(changed...)
	}
	m.StorageOperations.WithLabelValues("mark_all_read", "true").Inc()
	return changed, nil
}
