package certdb

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/crocs-muni/cert-validataion-stats/internal/certutil"
	"github.com/crocs-muni/cert-validataion-stats/internal/logfields"
)

// Storage layout on the file system:
//
//	storage/
//	  certs/
//	    1a/           first 2 characters of the fingerprint
//	      1a9f.zip    persisted shard, first 4 characters of the fingerprint
//	      1a9f/       loose PEM files of the open transaction
const (
	certStorageName = "certs"
	metaFilename    = ".cevastdb.yaml"
)

// Meta describes a storage created by Setup.
type Meta struct {
	Owner       string `yaml:"owner,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Setup initializes a new certificate storage at the given path.
// It fails if a storage already exists there.
func Setup(storage, owner, desc string) error {
	certDir := filepath.Join(storage, certStorageName)
	if _, err := os.Stat(certDir); err == nil {
		return fmt.Errorf("storage already exists at %s", storage)
	}
	if err := os.MkdirAll(certDir, 0o750); err != nil {
		return fmt.Errorf("create cert storage: %w", err)
	}
	data, err := yaml.Marshal(Meta{Owner: owner, Description: desc})
	if err != nil {
		return fmt.Errorf("marshal storage meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(storage, metaFilename), data, 0o600); err != nil {
		return fmt.Errorf("write storage meta: %w", err)
	}
	slog.Info("Certificate storage initialized", logfields.Storage(storage))
	return nil
}

// FileDBReadOnly provides read-only access to an existing storage. It only
// consults persisted shards; loose files of another handle's open transaction
// are not visible.
type FileDBReadOnly struct {
	storage     string
	certStorage string
}

// NewFileDBReadOnly opens an existing storage for reading.
func NewFileDBReadOnly(storage string) (*FileDBReadOnly, error) {
	abs, err := filepath.Abs(storage)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	certStorage := filepath.Join(abs, certStorageName)
	if _, err := os.Stat(certStorage); err != nil {
		return nil, fmt.Errorf("storage location does not exist: %s", storage)
	}
	slog.Debug("Opened certificate storage", logfields.Storage(certStorage))
	return &FileDBReadOnly{storage: abs, certStorage: certStorage}, nil
}

// Get retrieves a certificate from a persisted shard.
func (db *FileDBReadOnly) Get(fingerprint string) (string, error) {
	return readFromShard(db.shardPath(fingerprint)+".zip", certutil.Filename(fingerprint))
}

// Export extracts a certificate from a persisted shard into targetDir.
func (db *FileDBReadOnly) Export(fingerprint, targetDir string, _ bool) (string, error) {
	content, err := db.Get(fingerprint)
	if err != nil {
		return "", err
	}
	target := filepath.Join(targetDir, certutil.Filename(fingerprint))
	if err := os.WriteFile(target, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("export certificate: %w", err)
	}
	return target, nil
}

// Exists tests whether a certificate is present in a persisted shard.
func (db *FileDBReadOnly) Exists(fingerprint string) bool {
	return existsInShard(db.shardPath(fingerprint)+".zip", certutil.Filename(fingerprint))
}

// ExistsAll tests that all certificates are present.
func (db *FileDBReadOnly) ExistsAll(fingerprints []string) bool {
	for _, fp := range fingerprints {
		if !db.Exists(fp) {
			return false
		}
	}
	return true
}

func (db *FileDBReadOnly) shardPath(fingerprint string) string {
	return shardPath(db.certStorage, fingerprint)
}

// FileDB is the writable file-system certificate store.
type FileDB struct {
	storage     string
	certStorage string
	workers     int

	mu      sync.RWMutex
	inserts map[string]struct{}            // shard dirs with loose files
	deletes map[string]map[string]struct{} // shard dir -> persisted file names pending removal
}

// Option configures a FileDB.
type Option func(*FileDB)

// WithWorkers sets the commit parallelism (shards persisted concurrently).
func WithWorkers(n int) Option {
	return func(db *FileDB) {
		if n > 0 {
			db.workers = n
		}
	}
}

// NewFileDB opens a storage for reading and writing, creating it if needed.
func NewFileDB(storage string, opts ...Option) (*FileDB, error) {
	abs, err := filepath.Abs(storage)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	certStorage := filepath.Join(abs, certStorageName)
	if err := os.MkdirAll(certStorage, 0o750); err != nil {
		return nil, fmt.Errorf("create cert storage: %w", err)
	}
	db := &FileDB{
		storage:     abs,
		certStorage: certStorage,
		workers:     1,
		inserts:     make(map[string]struct{}),
		deletes:     make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(db)
	}
	slog.Debug("Opened certificate storage", logfields.Storage(certStorage))
	return db, nil
}

// Insert stores a certificate as a loose file in the open transaction.
func (db *FileDB) Insert(fingerprint, cert string) error {
	if fingerprint == "" || cert == "" {
		return fmt.Errorf("%w: empty fingerprint or content", ErrCertInvalid)
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	shard := db.shardPath(fingerprint)
	if _, dirty := db.inserts[shard]; !dirty {
		if err := os.MkdirAll(shard, 0o750); err != nil {
			return fmt.Errorf("create shard directory: %w", err)
		}
	}
	certFile := filepath.Join(shard, certutil.Filename(fingerprint))
	if _, err := os.Stat(certFile); err == nil {
		slog.Debug("Certificate already inserted", logfields.Fingerprint(fingerprint))
		db.inserts[shard] = struct{}{}
		return nil
	}
	if err := os.WriteFile(certFile, []byte(cert), 0o600); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	db.inserts[shard] = struct{}{}
	slog.Debug("Certificate inserted", logfields.Fingerprint(fingerprint), logfields.Path(certFile))
	return nil
}

// Delete removes a certificate. Loose files go immediately; persisted ones are
// marked and removed on Commit.
func (db *FileDB) Delete(fingerprint string) error {
	if fingerprint == "" {
		return fmt.Errorf("%w: empty fingerprint", ErrCertInvalid)
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	shard := db.shardPath(fingerprint)
	filename := certutil.Filename(fingerprint)
	loose := filepath.Join(shard, filename)
	if _, err := os.Stat(loose); err == nil {
		if err := os.Remove(loose); err != nil {
			return fmt.Errorf("remove loose certificate: %w", err)
		}
		slog.Debug("Certificate removed from open transaction", logfields.Fingerprint(fingerprint))
		return nil
	}
	if db.deletes[shard] == nil {
		db.deletes[shard] = make(map[string]struct{})
	}
	db.deletes[shard][filename] = struct{}{}
	slog.Debug("Certificate marked for deletion", logfields.Fingerprint(fingerprint))
	return nil
}

// Get retrieves a certificate, consulting the open transaction first.
func (db *FileDB) Get(fingerprint string) (string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	shard := db.shardPath(fingerprint)
	if _, dirty := db.inserts[shard]; dirty {
		if content, err := os.ReadFile(filepath.Join(shard, certutil.Filename(fingerprint))); err == nil {
			return string(content), nil
		}
	}
	return readFromShard(shard+".zip", certutil.Filename(fingerprint))
}

// Export saves a certificate as a PEM file under targetDir.
func (db *FileDB) Export(fingerprint, targetDir string, copyIfExists bool) (string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	shard := db.shardPath(fingerprint)
	filename := certutil.Filename(fingerprint)
	if _, dirty := db.inserts[shard]; dirty {
		src := filepath.Join(shard, filename)
		if _, err := os.Stat(src); err == nil {
			if !copyIfExists {
				return src, nil
			}
			target := filepath.Join(targetDir, filename)
			content, err := os.ReadFile(src)
			if err != nil {
				return "", fmt.Errorf("read loose certificate: %w", err)
			}
			if err := os.WriteFile(target, content, 0o600); err != nil {
				return "", fmt.Errorf("export certificate: %w", err)
			}
			return target, nil
		}
	}
	content, err := readFromShard(shard+".zip", filename)
	if err != nil {
		return "", err
	}
	target := filepath.Join(targetDir, filename)
	if err := os.WriteFile(target, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("export certificate: %w", err)
	}
	return target, nil
}

// Exists tests whether a certificate is present.
func (db *FileDB) Exists(fingerprint string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()

	shard := db.shardPath(fingerprint)
	if _, dirty := db.inserts[shard]; dirty {
		if _, err := os.Stat(filepath.Join(shard, certutil.Filename(fingerprint))); err == nil {
			return true
		}
	}
	return existsInShard(shard+".zip", certutil.Filename(fingerprint))
}

// ExistsAll tests that all certificates are present.
func (db *FileDB) ExistsAll(fingerprints []string) bool {
	for _, fp := range fingerprints {
		if !db.Exists(fp) {
			return false
		}
	}
	return true
}

// Rollback discards the open transaction.
func (db *FileDB) Rollback() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for shard := range db.inserts {
		if err := os.RemoveAll(shard); err != nil {
			return fmt.Errorf("rollback shard %s: %w", shard, err)
		}
	}
	cnt := len(db.inserts)
	db.inserts = make(map[string]struct{})
	db.deletes = make(map[string]map[string]struct{})
	slog.Info("Transaction rolled back", logfields.Count(cnt))
	return nil
}

// Commit persists the open transaction. Shards are persisted concurrently
// when the store was opened with WithWorkers(n>1).
func (db *FileDB) Commit(ctx context.Context) (int, int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	// Union of shards touched by inserts and pending deletes.
	shards := make(map[string]struct{}, len(db.inserts)+len(db.deletes))
	for s := range db.inserts {
		shards[s] = struct{}{}
	}
	for s := range db.deletes {
		shards[s] = struct{}{}
	}

	var (
		wg                sync.WaitGroup
		resMu             sync.Mutex
		inserted, deleted int
		firstErr          error
	)
	work := make(chan string)

	workers := db.workers
	if workers < 1 {
		workers = 1
	}
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for shard := range work {
				ins, del, err := persistShard(shard, db.deletes[shard])
				resMu.Lock()
				inserted += ins
				deleted += del
				if err != nil && firstErr == nil {
					firstErr = err
				}
				resMu.Unlock()
			}
		}()
	}

dispatch:
	for shard := range shards {
		if err := ctx.Err(); err != nil {
			resMu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			resMu.Unlock()
			break dispatch
		}
		work <- shard
	}
	close(work)
	wg.Wait()

	if firstErr != nil {
		return inserted, deleted, fmt.Errorf("commit: %w", firstErr)
	}
	db.inserts = make(map[string]struct{})
	db.deletes = make(map[string]map[string]struct{})
	slog.Info("Transaction committed",
		slog.Int("inserted", inserted), slog.Int("deleted", deleted), logfields.Count(len(shards)))
	return inserted, deleted, nil
}

func (db *FileDB) shardPath(fingerprint string) string {
	return shardPath(db.certStorage, fingerprint)
}

// shardPath maps a fingerprint to its shard directory. Fingerprints shorter
// than the shard prefix land in a dedicated shard so slicing stays safe.
func shardPath(certStorage, fingerprint string) string {
	if len(fingerprint) < 4 {
		return filepath.Join(certStorage, "short", "short")
	}
	return filepath.Join(certStorage, fingerprint[:2], fingerprint[:4])
}

// persistShard merges the shard's loose files into its zip archive, dropping
// entries pending deletion, and removes the loose directory. The archive is
// rewritten to a temporary file and renamed into place.
func persistShard(shard string, deletes map[string]struct{}) (int, int, error) {
	zipPath := shard + ".zip"

	type keptEntry struct {
		name string
		data []byte
	}
	var kept []keptEntry
	existing := make(map[string]struct{})
	deletedCnt := 0

	if zr, err := zip.OpenReader(zipPath); err == nil {
		for _, f := range zr.File {
			if _, drop := deletes[f.Name]; drop {
				deletedCnt++
				continue
			}
			rc, err := f.Open()
			if err != nil {
				zr.Close()
				return 0, deletedCnt, fmt.Errorf("read shard entry %s: %w", f.Name, err)
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				zr.Close()
				return 0, deletedCnt, fmt.Errorf("read shard entry %s: %w", f.Name, err)
			}
			kept = append(kept, keptEntry{name: f.Name, data: data})
			existing[f.Name] = struct{}{}
		}
		zr.Close()
	}

	var loose []string
	if entries, err := os.ReadDir(shard); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if _, dup := existing[e.Name()]; dup {
				continue
			}
			loose = append(loose, e.Name())
		}
	}

	if len(kept) == 0 && len(loose) == 0 {
		// Shard ends up empty: drop the archive and the loose directory.
		if err := os.Remove(zipPath); err != nil && !os.IsNotExist(err) {
			return 0, deletedCnt, fmt.Errorf("remove empty shard archive: %w", err)
		}
		if err := os.RemoveAll(shard); err != nil {
			return 0, deletedCnt, fmt.Errorf("clean shard directory: %w", err)
		}
		return 0, deletedCnt, nil
	}

	tmpPath := zipPath + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return 0, deletedCnt, fmt.Errorf("create shard archive: %w", err)
	}
	zw := zip.NewWriter(tmp)

	writeEntry := func(name string, data []byte) error {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	for _, e := range kept {
		if err := writeEntry(e.name, e.data); err != nil {
			zw.Close()
			tmp.Close()
			os.Remove(tmpPath)
			return 0, deletedCnt, fmt.Errorf("write shard entry %s: %w", e.name, err)
		}
	}
	insertedCnt := 0
	for _, name := range loose {
		data, err := os.ReadFile(filepath.Join(shard, name))
		if err != nil {
			zw.Close()
			tmp.Close()
			os.Remove(tmpPath)
			return insertedCnt, deletedCnt, fmt.Errorf("read loose certificate %s: %w", name, err)
		}
		if err := writeEntry(name, data); err != nil {
			zw.Close()
			tmp.Close()
			os.Remove(tmpPath)
			return insertedCnt, deletedCnt, fmt.Errorf("write shard entry %s: %w", name, err)
		}
		insertedCnt++
	}

	if err := zw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return insertedCnt, deletedCnt, fmt.Errorf("finalize shard archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return insertedCnt, deletedCnt, fmt.Errorf("finalize shard archive: %w", err)
	}
	if err := os.Rename(tmpPath, zipPath); err != nil {
		os.Remove(tmpPath)
		return insertedCnt, deletedCnt, fmt.Errorf("replace shard archive: %w", err)
	}
	if err := os.RemoveAll(shard); err != nil {
		return insertedCnt, deletedCnt, fmt.Errorf("clean shard directory: %w", err)
	}
	return insertedCnt, deletedCnt, nil
}

func readFromShard(zipPath, filename string) (string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", NotAvailable(filename)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != filename {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open shard entry %s: %w", filename, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return "", fmt.Errorf("read shard entry %s: %w", filename, err)
		}
		return string(data), nil
	}
	return "", NotAvailable(filename)
}

func existsInShard(zipPath, filename string) bool {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return false
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name == filename {
			return true
		}
	}
	return false
}
