// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyarq/client/replies"
	"github.com/katzenpost/replyarq/core/log"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS reply_metadata (
	id                smallint PRIMARY KEY,
	min_threshold     integer,
	max_threshold     integer,
	in_use            boolean NOT NULL DEFAULT false,
	flush_in_progress boolean NOT NULL DEFAULT false,
	last_flush        bigint
);
CREATE TABLE IF NOT EXISTS reply_keys (
	digest  bytea PRIMARY KEY,
	key     bytea NOT NULL,
	sent_at bigint NOT NULL
);
CREATE TABLE IF NOT EXISTS reply_surb_senders (
	tag           bytea PRIMARY KEY,
	last_received bigint NOT NULL
);
CREATE TABLE IF NOT EXISTS reply_surbs (
	tag      bytea NOT NULL REFERENCES reply_surb_senders (tag) ON DELETE CASCADE,
	position integer NOT NULL,
	surb     bytea NOT NULL,
	PRIMARY KEY (tag, position)
);
CREATE TABLE IF NOT EXISTS sender_tags (
	recipient bytea PRIMARY KEY,
	tag       bytea NOT NULL
);
INSERT INTO reply_metadata (id) VALUES (0) ON CONFLICT DO NOTHING;
`

// Postgres is a Backend storing reply data in a PostgreSQL database.
type Postgres struct {
	log  *logging.Logger
	pool *pgx.ConnPool
	now  func() time.Time
}

// NewPostgres connects to the database named by dataSourceName and creates
// the reply tables if needed.
func NewPostgres(logBackend *log.Backend, dataSourceName string, maxConns int, logLevel string) (*Postgres, error) {
	// The pgx connection pool code requires at least 2 conns.
	if maxConns < 2 {
		maxConns = 2
	}

	p := &Postgres{
		log: logBackend.GetLogger("storage"),
		now: time.Now,
	}

	connCfg, err := pgx.ParseConnectionString(dataSourceName)
	if err != nil {
		return nil, err
	}
	connCfg.Logger = p
	connCfg.LogLevel = toPgxLogLevel(logLevel)
	poolCfg := pgx.ConnPoolConfig{
		ConnConfig:     connCfg,
		MaxConnections: maxConns,
	}

	isOk := false
	defer func() {
		if !isOk {
			if p.pool != nil {
				p.pool.Close()
			}
		}
	}()

	if p.pool, err = pgx.NewConnPool(poolCfg); err != nil {
		return nil, err
	}
	if _, err = p.pool.Exec(pgSchema); err != nil {
		return nil, fmt.Errorf("backend/pgx: failed to create schema: %v", err)
	}

	isOk = true
	return p, nil
}

// Log implements pgx.Logger.
func (p *Postgres) Log(level pgx.LogLevel, msg string, data map[string]interface{}) {
	if level == pgx.LogLevelNone {
		return
	}

	argVec := make([]interface{}, 0, 1+len(data))
	argVec = append(argVec, msg+" ")
	for k, v := range data {
		argVec = append(argVec, fmt.Sprintf("%s=%v ", k, v))
	}
	mStr := strings.TrimSpace(fmt.Sprint(argVec...))

	switch level {
	case pgx.LogLevelDebug:
		p.log.Debug(mStr)
	case pgx.LogLevelInfo:
		p.log.Info(mStr)
	case pgx.LogLevelWarn:
		p.log.Warning(mStr)
	case pgx.LogLevelError:
		p.log.Error(mStr)
	}
}

func toPgxLogLevel(cfgLevel string) pgx.LogLevel {
	switch cfgLevel {
	case "ERROR":
		return pgx.LogLevelError
	case "DEBUG":
		return pgx.LogLevelDebug
	default:
		// Query arguments carry key material, so pgx.LogLevelInfo is only
		// exposed when debugging.
		return pgx.LogLevelWarn
	}
}

func (p *Postgres) withTx(fn func(tx *pgx.Tx) error) error {
	tx, err := p.pool.Begin()
	if err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// StartSession implements Backend.
func (p *Postgres) StartSession() error {
	_, err := p.pool.Exec("UPDATE reply_metadata SET in_use = true WHERE id = 0;")
	return err
}

// StopSession implements Backend.
func (p *Postgres) StopSession() error {
	_, err := p.pool.Exec("UPDATE reply_metadata SET in_use = false WHERE id = 0;")
	return err
}

// Load implements Backend.
func (p *Postgres) Load() (*replies.CombinedReplyStorage, error) {
	var storage *replies.CombinedReplyStorage
	err := p.withTx(func(tx *pgx.Tx) error {
		var (
			minThreshold, maxThreshold int32
			inUse, flushInProgress     bool
			lastFlush                  int64
		)
		const metaQuery = "SELECT COALESCE(min_threshold, -1), COALESCE(max_threshold, -1), in_use, flush_in_progress, COALESCE(last_flush, 0) FROM reply_metadata WHERE id = 0;"
		if err := tx.QueryRow(metaQuery).Scan(&minThreshold, &maxThreshold, &inUse, &flushInProgress, &lastFlush); err != nil {
			return fmt.Errorf("backend/pgx: failed to query metadata: %v", err)
		}
		switch {
		case flushInProgress:
			return ErrIncompleteFlush
		case minThreshold < 0 && lastFlush == 0:
			return ErrNoStoredData
		case lastFlush == 0:
			return ErrIncompleteFlush
		case minThreshold < 0:
			return fmt.Errorf("%w: missing thresholds", ErrCorruptedData)
		}

		if inUse {
			p.log.Error("The previous session was not stopped cleanly, purging reply keys and reply SURBs")
		}
		if err := p.purge(tx, decidePurge(time.Unix(lastFlush, 0), p.now(), inUse)); err != nil {
			return err
		}

		storage = replies.NewCombinedReplyStorage(int(minThreshold), int(maxThreshold))
		return p.read(tx, storage)
	})
	if err != nil {
		return nil, err
	}
	return storage, nil
}

func (p *Postgres) purge(tx *pgx.Tx, d purgeDecision) error {
	var stmts []string
	if d.surbs {
		p.log.Notice("Purging stored reply SURBs")
		stmts = append(stmts, "DELETE FROM reply_surb_senders;")
	}
	if d.keys {
		p.log.Notice("Purging stored reply keys")
		stmts = append(stmts, "DELETE FROM reply_keys;")
	}
	if d.tags {
		p.log.Notice("Purging stored sender tags")
		stmts = append(stmts, "DELETE FROM sender_tags;")
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) read(tx *pgx.Tx, storage *replies.CombinedReplyStorage) error {
	rows, err := tx.Query("SELECT key, sent_at FROM reply_keys;")
	if err != nil {
		return err
	}
	for rows.Next() {
		var rec storedReplyKey
		if err = rows.Scan(&rec.Key, &rec.SentAt); err == nil {
			err = restoreReplyKey(storage, &rec)
		}
		if err != nil {
			rows.Close()
			return err
		}
	}
	if err = rows.Err(); err != nil {
		return err
	}

	senders := make(map[string]*storedSurbs)
	var order []string
	rows, err = tx.Query("SELECT s.tag, s.last_received, r.surb FROM reply_surb_senders s LEFT JOIN reply_surbs r ON r.tag = s.tag ORDER BY s.tag, r.position;")
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			tag          []byte
			lastReceived int64
			surb         []byte
		)
		if err = rows.Scan(&tag, &lastReceived, &surb); err != nil {
			rows.Close()
			return err
		}
		rec, ok := senders[string(tag)]
		if !ok {
			rec = &storedSurbs{LastReceived: lastReceived}
			senders[string(tag)] = rec
			order = append(order, string(tag))
		}
		if surb != nil {
			rec.Surbs = append(rec.Surbs, surb)
		}
	}
	if err = rows.Err(); err != nil {
		return err
	}
	for _, tag := range order {
		if err = restoreSurbs(storage, []byte(tag), senders[tag]); err != nil {
			return err
		}
	}

	rows, err = tx.Query("SELECT recipient, tag FROM sender_tags;")
	if err != nil {
		return err
	}
	for rows.Next() {
		var rec storedSenderTag
		if err = rows.Scan(&rec.Recipient, &rec.Tag); err == nil {
			err = restoreSenderTag(storage, &rec)
		}
		if err != nil {
			rows.Close()
			return err
		}
	}
	return rows.Err()
}

// InitFresh implements Backend.
func (p *Postgres) InitFresh(fresh *replies.CombinedReplyStorage) error {
	return p.withTx(func(tx *pgx.Tx) error {
		if err := p.purge(tx, purgeDecision{surbs: true, keys: true, tags: true}); err != nil {
			return err
		}
		_, err := tx.Exec("UPDATE reply_metadata SET min_threshold = $1, max_threshold = $2, flush_in_progress = false, last_flush = NULL WHERE id = 0;",
			int32(fresh.MinSurbThreshold()), int32(fresh.MaxSurbThreshold()))
		return err
	})
}

// Flush implements Backend.  The whole flush is one transaction, so a
// failed flush leaves the previous data in place.
func (p *Postgres) Flush(storage *replies.CombinedReplyStorage) error {
	snap := takeSnapshot(storage)
	return p.withTx(func(tx *pgx.Tx) error {
		if _, err := tx.Exec("UPDATE reply_metadata SET flush_in_progress = true WHERE id = 0;"); err != nil {
			return err
		}
		if err := p.purge(tx, purgeDecision{surbs: true, keys: true, tags: true}); err != nil {
			return err
		}

		for _, rec := range snap.keys {
			var k replies.SurbEncryptionKey
			copy(k[:], rec.Key)
			d := k.Digest()
			if _, err := tx.Exec("INSERT INTO reply_keys (digest, key, sent_at) VALUES ($1, $2, $3);", d[:], rec.Key, rec.SentAt); err != nil {
				return err
			}
		}
		for tag, rec := range snap.surbs {
			rawTag := append([]byte{}, tag[:]...)
			if _, err := tx.Exec("INSERT INTO reply_surb_senders (tag, last_received) VALUES ($1, $2);", rawTag, rec.LastReceived); err != nil {
				return err
			}
			for i, surb := range rec.Surbs {
				if _, err := tx.Exec("INSERT INTO reply_surbs (tag, position, surb) VALUES ($1, $2, $3);", rawTag, int32(i), surb); err != nil {
					return err
				}
			}
		}
		for _, rec := range snap.tags {
			if _, err := tx.Exec("INSERT INTO sender_tags (recipient, tag) VALUES ($1, $2);", rec.Recipient, rec.Tag); err != nil {
				return err
			}
		}

		_, err := tx.Exec("UPDATE reply_metadata SET min_threshold = $1, max_threshold = $2, flush_in_progress = false, last_flush = $3 WHERE id = 0;",
			int32(snap.thresholds.Min), int32(snap.thresholds.Max), p.now().Unix())
		return err
	})
}

// Close implements Backend.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
