// Package index keeps the local state of a vault in a SQL database. It
// wraps database/sql with named statements parsed from an embedded DDL
// document, so that call sites refer to queries by key instead of
// carrying SQL strings around.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrNoRows       = sql.ErrNoRows
	ErrUnknownQuery = errors.New("unknown query key")
)

// Memory is the data source name for a throwaway in-memory database.
const Memory = ":memory:"

// DB is a SQL database with a registry of named statements. Statements
// come from DDL documents: a line starting with "-- " opens a section
// whose first word is the key and whose optional second word is a
// version number. Sections keyed INIT run once per version at Define
// time; every other section is stored as a named query.
type DB struct {
	conn   *sql.DB
	driver string
	source string

	mu       sync.RWMutex
	queries  map[string]string
	versions map[string]float64

	settingsMu sync.RWMutex
	settings   map[string]settingValue
}

// Open connects to a database and applies the DDL. The driver must be
// one of the registered drivers: sqlite3, postgres or mysql.
func Open(driver, source, ddl string) (*DB, error) {
	if driver == "sqlite3" && source != Memory {
		if err := os.MkdirAll(filepath.Dir(source), 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory: %w", err)
		}
	}
	conn, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s database %s: %w", driver, source, err)
	}
	if driver == "sqlite3" {
		// a single connection sidesteps SQLITE_BUSY between goroutines
		conn.SetMaxOpenConns(1)
	}

	db := &DB{
		conn:     conn,
		driver:   driver,
		source:   source,
		queries:  map[string]string{},
		versions: map[string]float64{},
		settings: map[string]settingValue{},
	}
	if ddl = strings.TrimSpace(ddl); ddl != "" {
		if err := db.Define(ddl); err != nil {
			conn.Close()
			return nil, err
		}
	}
	logrus.WithFields(logrus.Fields{"driver": driver, "source": source}).Debug("database open")
	return db, nil
}

func (db *DB) Close() error   { return db.conn.Close() }
func (db *DB) Driver() string { return db.driver }

// Define parses a DDL document, executes unseen INIT sections and
// registers the named queries. Calling it again with a newer document
// upgrades the schema: INIT sections with an already-applied version
// are skipped, queries with a higher version replace older ones.
func (db *DB) Define(ddl string) error {
	applied, err := db.appliedVersions()
	if err != nil {
		return err
	}

	var pendingInit []float64
	lines := strings.Split(ddl, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "-- ") {
			continue
		}
		key, version := parseHeader(line[3:])

		var body strings.Builder
		for i++; i < len(lines); i++ {
			line := strings.TrimSpace(lines[i])
			if line == "" {
				break
			}
			if strings.HasPrefix(line, "-- ") {
				i--
				break
			}
			body.WriteString(line)
			body.WriteByte('\n')
		}
		stmt := strings.TrimSpace(body.String())
		if stmt == "" {
			continue
		}

		if key == "INIT" {
			if applied[version] {
				continue
			}
			if _, err := db.conn.Exec(stmt); err != nil {
				return fmt.Errorf("cannot apply schema version %v: %w", version, err)
			}
			pendingInit = append(pendingInit, version)
			continue
		}
		db.mu.Lock()
		if prev, ok := db.versions[key]; !ok || version > prev {
			db.queries[key] = stmt
			db.versions[key] = version
		}
		db.mu.Unlock()
	}

	for _, v := range pendingInit {
		if _, err := db.conn.Exec(`INSERT INTO db_versions (version) VALUES (`+db.placeholder(1)+`)`, v); err != nil {
			return fmt.Errorf("cannot record schema version %v: %w", v, err)
		}
	}
	return nil
}

func parseHeader(s string) (key string, version float64) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", 1
	}
	key, version = fields[0], 1
	if len(fields) > 1 {
		if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
			version = v
		}
	}
	return key, version
}

func (db *DB) appliedVersions() (map[float64]bool, error) {
	if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS db_versions (version REAL PRIMARY KEY)`); err != nil {
		return nil, fmt.Errorf("cannot create versions table: %w", err)
	}
	rows, err := db.conn.Query(`SELECT version FROM db_versions`)
	if err != nil {
		return nil, fmt.Errorf("cannot read versions table: %w", err)
	}
	defer rows.Close()

	applied := map[float64]bool{}
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err == nil {
			applied[v] = true
		}
	}
	return applied, rows.Err()
}

// lookup resolves a query key. Keys prefixed "SQL:" bypass the registry
// and run as literal statements, which tests and the replica layer use
// for generated SQL.
func (db *DB) lookup(key string) (string, error) {
	if raw, ok := strings.CutPrefix(key, "SQL:"); ok {
		return raw, nil
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if q, ok := db.queries[key]; ok {
		return q, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownQuery, key)
}

// placeholder returns the positional parameter syntax of the driver.
// Named parameters are expanded before execution, so only postgres
// needs special treatment.
func (db *DB) placeholder(n int) string {
	if db.driver == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}
