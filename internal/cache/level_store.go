package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB 键布局：
//
//	g:<generation>                 -> generationMeta
//	e:<generation>\x00<RequestKey> -> levelEntry
const (
	levelMetaPrefix  = "g:"
	levelEntryPrefix = "e:"
	levelSeparator   = "\x00"
)

// NewLevelStorage 在 path 打开（或创建）LevelDB，所有代际共享同一个库。
func NewLevelStorage(path string) (Storage, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStore{db: db, now: time.Now}, nil
}

type levelStore struct {
	db  *leveldb.DB
	now func() time.Time

	// mu 串行化 generationMeta 的读改写；条目写入持读锁，保证不会写进已删除的代际。
	mu sync.RWMutex
}

type levelEntry struct {
	Key      RequestKey
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	Type     string
	StoredAt time.Time
}

func (s *levelStore) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readMeta(name); err == nil {
		return &levelGeneration{store: s, name: name}, nil
	} else if !errors.Is(err, ErrGenerationNotFound) {
		return nil, err
	}

	if err := s.writeMeta(generationMeta{Name: name, CreatedAt: s.now().UTC()}); err != nil {
		return nil, err
	}
	return &levelGeneration{store: s, name: name}, nil
}

func (s *levelStore) Lookup(ctx context.Context, name string) (Generation, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if _, err := s.readMeta(name); err != nil {
		return nil, err
	}
	return &levelGeneration{store: s, name: name}, nil
}

func (s *levelStore) Names(ctx context.Context) ([]string, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelMetaPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(levelMetaPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	if err := ValidateName(name); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existed, err := s.db.Has(metaKey(name), nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(metaKey(name))
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if batch.Len() == 1 && !existed {
		return false, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return existed, err
	}
	return true, nil
}

func (s *levelStore) MarkReady(ctx context.Context, name string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := ValidateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(name)
	if err != nil {
		return err
	}
	meta.Ready = true
	meta.ReadyAt = s.now().UTC()
	return s.writeMeta(meta)
}

func (s *levelStore) Info(ctx context.Context, name string) (GenerationInfo, error) {
	if err := ctxErr(ctx); err != nil {
		return GenerationInfo{}, err
	}
	if err := ValidateName(name); err != nil {
		return GenerationInfo{}, err
	}
	meta, err := s.readMeta(name)
	if err != nil {
		return GenerationInfo{}, err
	}

	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	defer it.Release()
	count := 0
	for it.Next() {
		count++
	}
	if err := it.Error(); err != nil {
		return GenerationInfo{}, err
	}

	return GenerationInfo{
		Name:      name,
		CreatedAt: meta.CreatedAt,
		Ready:     meta.Ready,
		ReadyAt:   meta.ReadyAt,
		Entries:   count,
	}, nil
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

func (s *levelStore) readMeta(name string) (generationMeta, error) {
	raw, err := s.db.Get(metaKey(name), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return generationMeta{}, fmt.Errorf("%w: %s", ErrGenerationNotFound, name)
		}
		return generationMeta{}, err
	}
	var meta generationMeta
	if err := decodeGob(raw, &meta); err != nil {
		return generationMeta{}, fmt.Errorf("decode generation %s: %w", name, err)
	}
	return meta, nil
}

func (s *levelStore) writeMeta(meta generationMeta) error {
	raw, err := encodeGob(meta)
	if err != nil {
		return err
	}
	return s.db.Put(metaKey(meta.Name), raw, nil)
}

type levelGeneration struct {
	store *levelStore
	name  string
}

func (g *levelGeneration) Name() string {
	return g.name
}

func (g *levelGeneration) Match(ctx context.Context, key RequestKey) (*Response, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	raw, err := g.store.db.Get(entryKey(g.name, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var ent levelEntry
	if err := decodeGob(raw, &ent); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &Response{
		URL:      ent.URL,
		Status:   ent.Status,
		Header:   ent.Header,
		Body:     ent.Body,
		Type:     ent.Type,
		StoredAt: ent.StoredAt,
	}, nil
}

func (g *levelGeneration) Put(ctx context.Context, key RequestKey, resp Response) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := checkPut(key); err != nil {
		return err
	}
	resp = cloneResponse(resp)
	if resp.StoredAt.IsZero() {
		resp.StoredAt = g.store.now().UTC()
	}
	raw, err := encodeGob(levelEntry{
		Key:      key,
		URL:      resp.URL,
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
		Type:     resp.Type,
		StoredAt: resp.StoredAt,
	})
	if err != nil {
		return err
	}

	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	ok, err := g.store.db.Has(metaKey(g.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrGenerationNotFound, g.name)
	}
	return g.store.db.Put(entryKey(g.name, key), raw, nil)
}

func (g *levelGeneration) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	prefix := entryPrefix(g.name)
	it := g.store.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []RequestKey
	for it.Next() {
		var ent levelEntry
		if err := decodeGob(it.Value(), &ent); err != nil {
			continue
		}
		keys = append(keys, ent.Key)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

func metaKey(name string) []byte {
	return []byte(levelMetaPrefix + name)
}

func entryPrefix(name string) []byte {
	return []byte(levelEntryPrefix + name + levelSeparator)
}

func entryKey(name string, key RequestKey) []byte {
	return append(entryPrefix(name), key.String()...)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
