// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist provides the two durable keyed stores the pipeline
// relies on across restarts: raw messages and classification
// records.  Both are backed by a single SQLite database; an
// in-memory implementation with the same surface lives in memory.go
// for tests.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/inboxfold/inboxfold/internal/message"
)

var (
	createTableSql = []string{
		// The messages table holds one row per provider message.
		//
		// Field: message_id
		//
		//   The provider-assigned message ID.  Globally unique
		//   within a mailbox; the store's key.
		//
		// Field: thread_id, internal_date
		//
		//   Denormalized from the payload; internal_date is
		//   epoch milliseconds and backs the date-ordered
		//   listing.
		//
		// Field: payload
		//
		//   The full message record as JSON, including headers,
		//   body part tree, labels and any derived
		//   classification fields present at write time.
		`
CREATE TABLE IF NOT EXISTS messages (
message_id TEXT NOT NULL PRIMARY KEY,
thread_id TEXT NOT NULL,
internal_date INTEGER NOT NULL,
payload TEXT NOT NULL
);`,
		`
CREATE INDEX IF NOT EXISTS messages_by_date ON messages (internal_date);`,
		// The classifications table holds at most one record per
		// message: the cached inference result.  A row present
		// here means the message never needs another inference
		// call.
		//
		// Field: computed_at
		//
		//   Epoch milliseconds at which the record was computed.
		//   Rewrites are last-write-wins.
		`
CREATE TABLE IF NOT EXISTS classifications (
message_id TEXT NOT NULL PRIMARY KEY,
is_real_human INTEGER NOT NULL,
action_needed TEXT NOT NULL,
computed_at INTEGER NOT NULL
);`,
	}
)

// DB is the SQLite-backed store pair.
type DB struct {
	db     *sql.DB
	logger *log.Logger
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens (creating if necessary) the database at path.
func Open(ctx context.Context, logger *log.Logger, path string) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	logger.Debug("opening database", "dsn", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, logger: logger}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// PutMessage stores a message, overwriting any prior record for its
// ID in one statement so no partial write is ever visible.
func (db *DB) PutMessage(ctx context.Context, msg *message.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "encoding message %v", msg.PermID)
	}
	const sql = `INSERT OR REPLACE INTO messages
		(message_id, thread_id, internal_date, payload)
		VALUES ($1, $2, $3, $4)`
	if _, err := db.db.ExecContext(ctx, sql, msg.PermID, msg.ThreadID, msg.InternalDate, string(payload)); err != nil {
		return errors.Wrap(err, "db upsert failed for message")
	}
	return nil
}

// GetMessage returns the stored message or nil when absent.
func (db *DB) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	const q = `SELECT payload FROM messages WHERE message_id = $1`
	row := db.db.QueryRowContext(ctx, q, id)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "db read failed for message %v", id)
	}
	return decodeMessage(payload)
}

// Messages returns every stored message, ascending by internal date.
func (db *DB) Messages(ctx context.Context) ([]*message.Message, error) {
	const q = `SELECT payload FROM messages ORDER BY internal_date ASC`
	return db.queryMessages(ctx, q)
}

func (db *DB) queryMessages(ctx context.Context, q string, args ...interface{}) ([]*message.Message, error) {
	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "db message query failed")
	}
	defer rows.Close()

	var msgs []*message.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "db scan failed for message row")
		}
		msg, err := decodeMessage(payload)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func decodeMessage(payload string) (*message.Message, error) {
	var msg message.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, errors.Wrap(err, "decoding stored message")
	}
	return &msg, nil
}

// ClearMessages erases the message store.
func (db *DB) ClearMessages(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM messages`)
	return errors.Wrap(err, "db clear failed for messages")
}

// PutClassification upserts the classification record for a message
// ID.  Last write wins.
func (db *DB) PutClassification(ctx context.Context, rec *message.Classification) error {
	const sql = `INSERT OR REPLACE INTO classifications
		(message_id, is_real_human, action_needed, computed_at)
		VALUES ($1, $2, $3, $4)`
	human := 0
	if rec.IsRealHuman {
		human = 1
	}
	if _, err := db.db.ExecContext(ctx, sql, rec.MessageID, human, rec.ActionNeeded, rec.ComputedAt); err != nil {
		return errors.Wrap(err, "db upsert failed for classification")
	}
	return nil
}

// GetClassification returns the cached record for a message ID, or
// nil when none has been computed.
func (db *DB) GetClassification(ctx context.Context, messageID string) (*message.Classification, error) {
	const q = `SELECT is_real_human, action_needed, computed_at
		FROM classifications WHERE message_id = $1`
	row := db.db.QueryRowContext(ctx, q, messageID)
	var human int
	rec := message.Classification{MessageID: messageID}
	if err := row.Scan(&human, &rec.ActionNeeded, &rec.ComputedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "db read failed for classification %v", messageID)
	}
	rec.IsRealHuman = human != 0
	return &rec, nil
}

// Classifications returns every cached record.
func (db *DB) Classifications(ctx context.Context) ([]*message.Classification, error) {
	const q = `SELECT message_id, is_real_human, action_needed, computed_at
		FROM classifications`
	rows, err := db.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "db classification query failed")
	}
	defer rows.Close()

	var recs []*message.Classification
	for rows.Next() {
		var human int
		var rec message.Classification
		if err := rows.Scan(&rec.MessageID, &human, &rec.ActionNeeded, &rec.ComputedAt); err != nil {
			return nil, errors.Wrap(err, "db scan failed for classification row")
		}
		rec.IsRealHuman = human != 0
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// ClearClassifications erases the classification cache.  Every
// message will be re-judged on the next refresh.
func (db *DB) ClearClassifications(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM classifications`)
	return errors.Wrap(err, "db clear failed for classifications")
}
