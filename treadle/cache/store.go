// a key-addressed store for dependency cache blobs, backed by an
// sqlite index and gzip tarballs on disk
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Entries are immutable: a key is written once and only ever read or
// evicted after that. Restore falls back through restore keys by
// prefix, newest entry first.
type Store struct {
	db       *sql.DB
	dir      string
	maxBytes uint64
	l        *slog.Logger
}

type Entry struct {
	Key        string
	Repo       string
	Blob       string // file name under blobs/
	Size       int64
	CreatedAt  time.Time
	LastUsedAt time.Time
}

func NewStore(dir, dbPath, maxSize string, l *slog.Logger) (*Store, error) {
	maxBytes, err := humanize.ParseBytes(maxSize)
	if err != nil {
		return nil, fmt.Errorf("parsing cache max size: %w", err)
	}

	for _, d := range []string{BlobDir(dir), StagingDir(dir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	s := &Store{
		db:       db,
		dir:      dir,
		maxBytes: maxBytes,
		l:        l,
	}

	if err := s.init(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		create table if not exists cache_entries (
			id integer primary key autoincrement,
			repo text not null,
			key text not null,
			blob text not null,
			size integer not null,
			created_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			last_used_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),

			unique(repo, key)
		);
	`)
	return err
}

func BlobDir(dir string) string {
	return filepath.Join(dir, "blobs")
}

func StagingDir(dir string) string {
	return filepath.Join(dir, "staging")
}

func (s *Store) Dir() string {
	return s.dir
}

// Lookup resolves a key for a repo: exact match first, then each
// restore key as a prefix, newest entry first. A miss returns nil.
func (s *Store) Lookup(ctx context.Context, repo, key string, restoreKeys []string) (*Entry, error) {
	e, err := s.lookupExact(ctx, repo, key)
	if err != nil {
		return nil, err
	}

	if e == nil {
		for _, rk := range restoreKeys {
			e, err = s.lookupPrefix(ctx, repo, rk)
			if err != nil {
				return nil, err
			}
			if e != nil {
				break
			}
		}
	}

	if e == nil {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx, `
		update cache_entries
		set last_used_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where repo = ? and key = ?
	`, e.Repo, e.Key)
	if err != nil {
		return nil, err
	}

	return e, nil
}

func (s *Store) lookupExact(ctx context.Context, repo, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		select repo, key, blob, size, created_at, last_used_at
		from cache_entries
		where repo = ? and key = ?
	`, repo, key)
	return scanEntry(row)
}

func (s *Store) lookupPrefix(ctx context.Context, repo, prefix string) (*Entry, error) {
	pattern := strings.ReplaceAll(strings.ReplaceAll(prefix, "%", `\%`), "_", `\_`) + "%"
	row := s.db.QueryRowContext(ctx, `
		select repo, key, blob, size, created_at, last_used_at
		from cache_entries
		where repo = ? and key like ? escape '\'
		order by created_at desc, id desc
		limit 1
	`, repo, pattern)
	return scanEntry(row)
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	var createdAt, lastUsedAt string
	err := row.Scan(&e.Repo, &e.Key, &e.Blob, &e.Size, &createdAt, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, lastUsedAt); err == nil {
		e.LastUsedAt = t
	}

	return &e, nil
}

// StageName reserves a unique file name under staging/ for a save
// step to write into.
func (s *Store) StageName() string {
	return uuid.NewString() + ".tgz"
}

// Commit moves a staged tarball into the blob dir and indexes it.
// Committing an existing key discards the staged file: entries are
// immutable.
func (s *Store) Commit(ctx context.Context, repo, key, stageName string) error {
	staged := filepath.Join(StagingDir(s.dir), stageName)

	existing, err := s.lookupExact(ctx, repo, key)
	if err != nil {
		return err
	}
	if existing != nil {
		s.l.Info("cache key already present, discarding staged blob", "repo", repo, "key", key)
		return os.Remove(staged)
	}

	info, err := os.Stat(staged)
	if err != nil {
		return fmt.Errorf("staged cache blob missing: %w", err)
	}

	blob := uuid.NewString() + ".tgz"
	if err := os.Rename(staged, filepath.Join(BlobDir(s.dir), blob)); err != nil {
		return fmt.Errorf("committing cache blob: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		insert into cache_entries (repo, key, blob, size)
		values (?, ?, ?, ?)
	`, repo, key, blob, info.Size())
	if err != nil {
		return err
	}

	s.l.Info("saved cache entry",
		"repo", repo,
		"key", key,
		"size", humanize.Bytes(uint64(info.Size())),
	)

	return s.evict(ctx)
}

// Remove drops an entry and its blob.
func (s *Store) Remove(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		delete from cache_entries where repo = ? and key = ?
	`, e.Repo, e.Key)
	if err != nil {
		return err
	}
	return os.Remove(filepath.Join(BlobDir(s.dir), e.Blob))
}

// evict drops least-recently-used entries until the total size fits
// the configured bound.
func (s *Store) evict(ctx context.Context) error {
	for {
		var total int64
		err := s.db.QueryRowContext(ctx,
			`select coalesce(sum(size), 0) from cache_entries`,
		).Scan(&total)
		if err != nil {
			return err
		}

		if uint64(total) <= s.maxBytes {
			return nil
		}

		row := s.db.QueryRowContext(ctx, `
			select repo, key, blob, size, created_at, last_used_at
			from cache_entries
			order by last_used_at asc, id asc
			limit 1
		`)
		oldest, err := scanEntry(row)
		if err != nil {
			return err
		}
		if oldest == nil {
			return nil
		}

		s.l.Info("evicting cache entry",
			"repo", oldest.Repo,
			"key", oldest.Key,
			"size", humanize.Bytes(uint64(oldest.Size)),
		)
		if err := s.Remove(ctx, oldest); err != nil {
			return err
		}
	}
}
