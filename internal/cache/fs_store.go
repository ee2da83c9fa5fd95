package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	generationFile = "generation.json"
	entriesDir     = "entries"
	metaSuffix     = ".json"
	bodySuffix     = ".body"
)

// NewFileStorage 以 basePath 为根目录构建磁盘代际存储，整站复用一份实例。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		gens:     make(map[string]*sync.RWMutex),
		now:      time.Now,
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发读写；gens 中的读写锁让 Put 与 Delete 互斥，
// 已删除的代际不会被旧句柄写回。
type fileStore struct {
	basePath string
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
	gens  map[string]*sync.RWMutex
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是正文旁边的 JSON 描述文件，最后写入，作为条目可见的标志。
type entryMeta struct {
	Key      RequestKey `json:"key"`
	Response Response   `json:"response"`
	Size     int64      `json:"size"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return nil, err
	}

	unlock := s.lock(name + "::meta")
	defer unlock()

	if _, err := s.readMeta(name); err == nil {
		return &fileGeneration{store: s, name: name, dir: dir}, nil
	} else if !errors.Is(err, ErrGenerationNotFound) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(dir, entriesDir), 0o755); err != nil {
		return nil, err
	}
	meta := generationMeta{Name: name, CreatedAt: s.now().UTC()}
	if err := s.writeMeta(dir, meta); err != nil {
		return nil, err
	}
	return &fileGeneration{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Lookup(ctx context.Context, name string) (Generation, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return nil, err
	}
	if _, err := s.readMeta(name); err != nil {
		return nil, err
	}
	return &fileGeneration{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Names(ctx context.Context) ([]string, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || ValidateName(item.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.basePath, item.Name(), generationFile)); err != nil {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return false, err
	}

	gl := s.generationLock(name)
	gl.Lock()
	defer gl.Unlock()

	unlock := s.lock(name + "::meta")
	defer unlock()

	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// 先移走 marker，保证删除中途失败时代际也不再可枚举。
	if err := os.Remove(filepath.Join(dir, generationFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStore) MarkReady(ctx context.Context, name string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return err
	}

	unlock := s.lock(name + "::meta")
	defer unlock()

	meta, err := s.readMeta(name)
	if err != nil {
		return err
	}
	meta.Ready = true
	meta.ReadyAt = s.now().UTC()
	return s.writeMeta(dir, meta)
}

func (s *fileStore) Info(ctx context.Context, name string) (GenerationInfo, error) {
	if err := ctxErr(ctx); err != nil {
		return GenerationInfo{}, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return GenerationInfo{}, err
	}
	meta, err := s.readMeta(name)
	if err != nil {
		return GenerationInfo{}, err
	}
	entries, err := countEntries(filepath.Join(dir, entriesDir))
	if err != nil {
		return GenerationInfo{}, err
	}
	return GenerationInfo{
		Name:      name,
		CreatedAt: meta.CreatedAt,
		Ready:     meta.Ready,
		ReadyAt:   meta.ReadyAt,
		Entries:   entries,
	}, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) readMeta(name string) (generationMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.basePath, name, generationFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return generationMeta{}, fmt.Errorf("%w: %s", ErrGenerationNotFound, name)
		}
		return generationMeta{}, err
	}
	var meta generationMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return generationMeta{}, fmt.Errorf("decode generation %s: %w", name, err)
	}
	return meta, nil
}

func (s *fileStore) writeMeta(dir string, meta generationMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = writeFileAtomic(context.Background(), filepath.Join(dir, generationFile), bytes.NewReader(data))
	return err
}

func (s *fileStore) lock(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) generationLock(name string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	gl := s.gens[name]
	if gl == nil {
		gl = &sync.RWMutex{}
		s.gens[name] = gl
	}
	return gl
}

func (s *fileStore) generationDir(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, name)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidName, name)
	}
	return dir, nil
}

// fileGeneration 把条目写入 <generation>/entries/<sha1(key)>.{body,json}。
type fileGeneration struct {
	store *fileStore
	name  string
	dir   string
}

func (g *fileGeneration) Name() string {
	return g.name
}

func (g *fileGeneration) Match(ctx context.Context, key RequestKey) (*Response, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	unlock := g.store.lock(g.name + "::" + key.String())
	defer unlock()

	base := g.entryPath(key)
	data, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if meta.Key != key {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	resp := meta.Response
	resp.Body = body
	return &resp, nil
}

func (g *fileGeneration) Put(ctx context.Context, key RequestKey, resp Response) error {
	if err := checkPut(key); err != nil {
		return err
	}
	gl := g.store.generationLock(g.name)
	gl.RLock()
	defer gl.RUnlock()

	// 代际目录只由 Open 创建；marker 缺失说明句柄所属代际已被删除。
	if _, err := os.Stat(filepath.Join(g.dir, generationFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrGenerationNotFound, g.name)
		}
		return err
	}
	if err := os.Mkdir(filepath.Join(g.dir, entriesDir), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}

	unlock := g.store.lock(g.name + "::" + key.String())
	defer unlock()

	resp = cloneResponse(resp)
	if resp.StoredAt.IsZero() {
		resp.StoredAt = g.store.now().UTC()
	}

	base := g.entryPath(key)
	written, err := writeFileAtomic(ctx, base+bodySuffix, bytes.NewReader(resp.Body))
	if err != nil {
		return err
	}

	meta, err := json.Marshal(entryMeta{Key: key, Response: resp, Size: written})
	if err != nil {
		return err
	}
	_, err = writeFileAtomic(ctx, base+metaSuffix, bytes.NewReader(meta))
	return err
}

func (g *fileGeneration) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	dir := filepath.Join(g.dir, entriesDir)
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]RequestKey, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), metaSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, item.Name()))
		if err != nil {
			continue
		}
		var meta entryMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}

func (g *fileGeneration) entryPath(key RequestKey) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(g.dir, entriesDir, hex.EncodeToString(sum[:]))
}

func countEntries(dir string) (int, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for _, item := range items {
		if !item.IsDir() && strings.HasSuffix(item.Name(), metaSuffix) {
			count++
		}
	}
	return count, nil
}

// writeFileAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeFileAtomic(ctx context.Context, target string, body io.Reader) (int64, error) {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
