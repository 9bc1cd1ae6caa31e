// Package content knows which public URLs exist: a sqlite index of items and
// taxonomy terms fed by the CMS, and sitemap discovery for sites without one.
package content

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"staticboost/internal/errors"
)

const schemaVersion = 1

type ItemKind string

const (
	KindPage    ItemKind = "page"
	KindPost    ItemKind = "post"
	KindProduct ItemKind = "product"
)

type Item struct {
	ID   string
	URL  string
	Kind ItemKind
	// Published is false for drafts and private items; they are never listed.
	Published   bool
	PublishedAt time.Time
}

type Taxonomy string

const (
	TaxCategory   Taxonomy = "category"
	TaxTag        Taxonomy = "tag"
	TaxProductCat Taxonomy = "product_cat"
	TaxShop       Taxonomy = "shop"
)

type Term struct {
	ID       string
	URL      string
	Taxonomy Taxonomy
}

// Index is the sqlite-backed content model.
type Index struct {
	db      *sql.DB
	siteURL string
}

// Open opens or creates the index at path. siteURL prefixes the root and the
// date archive URLs.
func Open(path, siteURL string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db, siteURL: strings.TrimRight(siteURL, "/")}, nil
}

func (x *Index) Close() error { return x.db.Close() }

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS items (
		  id           TEXT PRIMARY KEY,
		  url          TEXT NOT NULL UNIQUE,
		  kind         TEXT NOT NULL,
		  published    INTEGER NOT NULL,
		  published_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_items_published_at
		ON items(published_at DESC)
		WHERE published = 1;

		CREATE TABLE IF NOT EXISTS terms (
		  id       TEXT PRIMARY KEY,
		  url      TEXT NOT NULL UNIQUE,
		  taxonomy TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS item_terms (
		  item_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
		  term_id TEXT NOT NULL REFERENCES terms(id) ON DELETE CASCADE,
		  PRIMARY KEY (item_id, term_id)
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

func (x *Index) PutItem(ctx context.Context, it Item) error {
	if it.ID == "" || it.URL == "" {
		return errors.NewInvalidRequest("item id and url are required")
	}
	_, err := x.db.ExecContext(ctx, `
		INSERT INTO items (id, url, kind, published, published_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  url = excluded.url,
		  kind = excluded.kind,
		  published = excluded.published,
		  published_at = excluded.published_at
	`, it.ID, it.URL, string(it.Kind), boolInt(it.Published), it.PublishedAt.Unix())
	if err != nil {
		return fmt.Errorf("put item %s: %w", it.ID, err)
	}
	return nil
}

func (x *Index) PutTerm(ctx context.Context, t Term) error {
	if t.ID == "" || t.URL == "" {
		return errors.NewInvalidRequest("term id and url are required")
	}
	_, err := x.db.ExecContext(ctx, `
		INSERT INTO terms (id, url, taxonomy) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET url = excluded.url, taxonomy = excluded.taxonomy
	`, t.ID, t.URL, string(t.Taxonomy))
	if err != nil {
		return fmt.Errorf("put term %s: %w", t.ID, err)
	}
	return nil
}

// Link records that item appears on the listing page of term.
func (x *Index) Link(ctx context.Context, itemID, termID string) error {
	_, err := x.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO item_terms (item_id, term_id) VALUES (?, ?)`, itemID, termID)
	if err != nil {
		return fmt.Errorf("link %s to %s: %w", itemID, termID, err)
	}
	return nil
}

func (x *Index) root() string { return x.siteURL + "/" }

// List returns every cacheable URL: the site root, published items newest
// first, term listings, then year and month archives of posts.
func (x *Index) List(ctx context.Context) ([]string, error) {
	out := []string{x.root()}

	items, err := x.strings(ctx, `
		SELECT url FROM items WHERE published = 1
		ORDER BY published_at DESC, id`)
	if err != nil {
		return nil, err
	}
	out = append(out, items...)

	terms, err := x.strings(ctx, `SELECT url FROM terms ORDER BY taxonomy, url`)
	if err != nil {
		return nil, err
	}
	out = append(out, terms...)

	for _, layout := range []string{"%Y", "%Y/%m"} {
		archives, err := x.strings(ctx, `
			SELECT DISTINCT strftime(?, published_at, 'unixepoch') AS a
			FROM items WHERE published = 1 AND kind = ?
			ORDER BY a DESC`, layout, string(KindPost))
		if err != nil {
			return nil, err
		}
		for _, a := range archives {
			out = append(out, x.siteURL+"/"+a+"/")
		}
	}
	return out, nil
}

// Recent returns the site root and up to limit newest published items.
func (x *Index) Recent(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{x.root()}, nil
	}
	items, err := x.strings(ctx, `
		SELECT url FROM items WHERE published = 1
		ORDER BY published_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return append([]string{x.root()}, items...), nil
}

// Related returns the listing pages of the terms linked to the item at url.
// An unknown url has no related pages.
func (x *Index) Related(ctx context.Context, url string) ([]string, error) {
	return x.strings(ctx, `
		SELECT t.url FROM terms t
		JOIN item_terms it ON it.term_id = t.id
		JOIN items i ON i.id = it.item_id
		WHERE i.url = ? OR i.url = ?
		ORDER BY t.url`, url, toggleSlash(url))
}

func (x *Index) URLFor(ctx context.Context, itemID string) (string, error) {
	var u string
	err := x.db.QueryRowContext(ctx, `SELECT url FROM items WHERE id = ?`, itemID).Scan(&u)
	if err == sql.ErrNoRows {
		return "", &errors.Error{Code: errors.ErrNotFound, Message: "no item " + itemID}
	}
	if err != nil {
		return "", fmt.Errorf("lookup item %s: %w", itemID, err)
	}
	return u, nil
}

func (x *Index) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func toggleSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return strings.TrimSuffix(u, "/")
	}
	return u + "/"
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
