// Package history persists per-city article history and the city
// rotation queue in a local sqlite database.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	_ "modernc.org/sqlite"

	"github.com/htmlfarmer/pulse/internal/geojson"
)

// MaxArticlesPerCity is the history depth kept for each city.
const MaxArticlesPerCity = 5

type Store struct {
	conn *sql.DB
}

// Article is one stored news article plus its persisted map feature.
type Article struct {
	Link        string
	City        string
	Title       string
	Source      string
	Summary     string
	PublishedTS int64
	ImageURL    string
	Feature     geojson.Feature
}

func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	conn.SetMaxOpenConns(2)
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS articles (
			article_link    TEXT PRIMARY KEY,
			city_name       TEXT NOT NULL,
			title           TEXT,
			source          TEXT,
			summary         TEXT,
			published_ts    INTEGER,
			image_url       TEXT,
			geojson_feature TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_city_name_published ON articles(city_name, published_ts DESC)`,
		`CREATE TABLE IF NOT EXISTS city_queue (
			city_name     TEXT PRIMARY KEY,
			process_order INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS last_checked (
			city          TEXT PRIMARY KEY,
			last_check_ts INTEGER,
			last_event    TEXT
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// StoreArticle upserts an article and trims the city's history to the
// newest MaxArticlesPerCity entries.
func (s *Store) StoreArticle(a Article) error {
	feature, err := json.Marshal(a.Feature)
	if err != nil {
		return fmt.Errorf("encode feature for %s: %w", a.Link, err)
	}
	_, err = s.conn.Exec(`
		INSERT OR REPLACE INTO articles
			(article_link, city_name, title, source, summary, published_ts, image_url, geojson_feature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Link, a.City, a.Title, a.Source, a.Summary, a.PublishedTS, a.ImageURL, string(feature))
	if err != nil {
		return fmt.Errorf("store article %s: %w", a.Link, err)
	}
	_, err = s.conn.Exec(`
		DELETE FROM articles WHERE article_link IN (
			SELECT article_link FROM articles
			WHERE city_name = ?
			ORDER BY published_ts DESC
			LIMIT -1 OFFSET ?
		)`, a.City, MaxArticlesPerCity)
	if err != nil {
		return fmt.Errorf("trim history for %s: %w", a.City, err)
	}
	return nil
}

// AllFeatures returns every stored article feature, newest first.
func (s *Store) AllFeatures() ([]geojson.Feature, error) {
	rows, err := s.conn.Query(`SELECT geojson_feature FROM articles ORDER BY published_ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("read stored features: %w", err)
	}
	defer rows.Close()

	var features []geojson.Feature
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var f geojson.Feature
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("decode stored feature: %w", err)
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

// CityQueue returns the remaining rotation queue in process order.
func (s *Store) CityQueue() ([]string, error) {
	rows, err := s.conn.Query(`SELECT city_name FROM city_queue ORDER BY process_order`)
	if err != nil {
		return nil, fmt.Errorf("read city queue: %w", err)
	}
	defer rows.Close()

	var queue []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		queue = append(queue, name)
	}
	return queue, rows.Err()
}

// PopulateQueue replaces the rotation queue with the given cities in a
// fresh random order.
func (s *Store) PopulateQueue(names []string, rng *rand.Rand) error {
	shuffled := make([]string, len(names))
	copy(shuffled, names)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM city_queue`); err != nil {
		return err
	}
	for i, name := range shuffled {
		if _, err := tx.Exec(`INSERT INTO city_queue (city_name, process_order) VALUES (?, ?)`, name, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RemoveFromQueue drops one city after it has been processed.
func (s *Store) RemoveFromQueue(name string) error {
	_, err := s.conn.Exec(`DELETE FROM city_queue WHERE city_name = ?`, name)
	return err
}

// SetLastChecked records when a city was last processed.
func (s *Store) SetLastChecked(city, event string, at time.Time) error {
	_, err := s.conn.Exec(`REPLACE INTO last_checked (city, last_check_ts, last_event) VALUES (?, ?, ?)`,
		city, at.Unix(), event)
	return err
}

// LastChecked returns when a city was last processed, if ever.
func (s *Store) LastChecked(city string) (time.Time, string, bool, error) {
	var ts int64
	var event string
	err := s.conn.QueryRow(`SELECT last_check_ts, last_event FROM last_checked WHERE city = ?`, city).
		Scan(&ts, &event)
	if err == sql.ErrNoRows {
		return time.Time{}, "", false, nil
	}
	if err != nil {
		return time.Time{}, "", false, err
	}
	return time.Unix(ts, 0).UTC(), event, true, nil
}
