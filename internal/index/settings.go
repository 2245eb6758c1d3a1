package index

import "fmt"

type settingValue struct {
	s string
	i int64
	f float64
	b []byte
}

const createSettingsTable = `CREATE TABLE IF NOT EXISTS db_settings (
	id TEXT PRIMARY KEY,
	s TEXT,
	i INTEGER,
	f REAL,
	b BLOB
)`

func (db *DB) ensureSettingsTable() error {
	_, err := db.conn.Exec(createSettingsTable)
	return err
}

// SetSetting stores a typed key-value setting. Settings hold bookkeeping
// state such as sync cursors and schema markers.
func (db *DB) SetSetting(id, s string, i int64, f float64, b []byte) error {
	if err := db.ensureSettingsTable(); err != nil {
		return err
	}
	args := Args{"id": id, "s": s, "i": i, "f": f, "b": b}
	if _, err := db.Exec("SQL:DELETE FROM db_settings WHERE id = :id", Args{"id": id}); err != nil {
		return err
	}
	if _, err := db.Exec("SQL:INSERT INTO db_settings (id, s, i, f, b) VALUES (:id, :s, :i, :f, :b)", args); err != nil {
		return fmt.Errorf("cannot store setting %s: %w", id, err)
	}

	db.settingsMu.Lock()
	db.settings[id] = settingValue{s, i, f, b}
	db.settingsMu.Unlock()
	return nil
}

// GetSetting reads a setting back, using a process-local cache. A
// missing setting yields ErrNoRows.
func (db *DB) GetSetting(id string) (s string, i int64, f float64, b []byte, err error) {
	db.settingsMu.RLock()
	cached, ok := db.settings[id]
	db.settingsMu.RUnlock()
	if ok {
		return cached.s, cached.i, cached.f, cached.b, nil
	}

	if err := db.ensureSettingsTable(); err != nil {
		return "", 0, 0, nil, err
	}
	err = db.QueryRow("SQL:SELECT s, i, f, b FROM db_settings WHERE id = :id", Args{"id": id}, &s, &i, &f, &b)
	if err != nil {
		return "", 0, 0, nil, err
	}

	db.settingsMu.Lock()
	db.settings[id] = settingValue{s, i, f, b}
	db.settingsMu.Unlock()
	return s, i, f, b, nil
}
