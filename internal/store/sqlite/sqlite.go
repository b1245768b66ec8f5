// Package sqlite implements the domain.KV contract on a
// SQLCipher-encrypted SQLite database. The key is applied as the
// SQLCipher passphrase via a DSN pragma.
package sqlite

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/routined/routined/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ sqlcipher.SQLiteDriver

const dbName = "limits.db"

// KV is an encrypted SQLite-backed key-value store.
type KV struct {
	db     *sql.DB
	dbPath string
}

// Open opens (or creates) the encrypted database under dataDir. A nil
// key opens the database unencrypted.
func Open(dataDir string, key []byte) (*KV, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, dbName)
	dsn := dbPath
	if len(key) > 0 {
		dsn = fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096",
			dbPath, hex.EncodeToString(key))
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	kv := &KV{db: db, dbPath: dbPath}
	if err := kv.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return kv, nil
}

func (kv *KV) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		ns    TEXT NOT NULL,
		key   TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (ns, key)
	);
	`
	_, err := kv.db.Exec(schema)
	return err
}

// Get returns the value for key in namespace, or nil when absent.
func (kv *KV) Get(namespace, key string) ([]byte, error) {
	var value []byte
	err := kv.db.QueryRow(`SELECT value FROM kv WHERE ns = ? AND key = ?`,
		namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return value, err
}

// Put stores value under key in namespace.
func (kv *KV) Put(namespace, key string, value []byte) error {
	_, err := kv.db.Exec(`INSERT OR REPLACE INTO kv (ns, key, value) VALUES (?, ?, ?)`,
		namespace, key, value)
	return err
}

// Delete removes key from namespace.
func (kv *KV) Delete(namespace, key string) error {
	_, err := kv.db.Exec(`DELETE FROM kv WHERE ns = ? AND key = ?`, namespace, key)
	return err
}

// GetInt64 returns the integer value for key.
func (kv *KV) GetInt64(namespace, key string) (int64, bool, error) {
	raw, err := kv.Get(namespace, key)
	if err != nil || raw == nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("non-integer value under %s/%s: %w", namespace, key, err)
	}
	return n, true, nil
}

// PutInt64 stores an integer value under key.
func (kv *KV) PutInt64(namespace, key string, value int64) error {
	return kv.Put(namespace, key, []byte(strconv.FormatInt(value, 10)))
}

// Keys lists all keys present in namespace.
func (kv *KV) Keys(namespace string) ([]string, error) {
	rows, err := kv.db.Query(`SELECT key FROM kv WHERE ns = ?`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Path returns the database file path (for diagnostics).
func (kv *KV) Path() string {
	return kv.dbPath
}

// Close releases the database connection.
func (kv *KV) Close() error {
	if kv.db != nil {
		return kv.db.Close()
	}
	return nil
}

var _ domain.KV = (*KV)(nil)
