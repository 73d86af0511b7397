package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/vaultkeep/envelope/envelope"
)

const (
	defaultLoadQuery       = "SELECT key_record FROM encryption_key WHERE id = ? AND created = ?"
	defaultStoreQuery      = "INSERT INTO encryption_key (id, created, key_record) VALUES (?, ?, ?)"
	defaultLoadLatestQuery = "SELECT key_record FROM encryption_key WHERE id = ? ORDER BY created DESC LIMIT 1"
)

var (
	_ envelope.Metastore = (*SQL)(nil)

	storeSQLTimer      = gometrics.GetOrRegisterTimer(envelope.MetricsPrefix+".metastore.sql.store", nil)
	loadSQLTimer       = gometrics.GetOrRegisterTimer(envelope.MetricsPrefix+".metastore.sql.load", nil)
	loadLatestSQLTimer = gometrics.GetOrRegisterTimer(envelope.MetricsPrefix+".metastore.sql.loadlatest", nil)
)

// DBType identifies a database/sql driver family, which determines the
// placeholder syntax used when rewriting the default queries.
type DBType string

const (
	MySQL    DBType = "mysql"
	Postgres DBType = "postgres"
	Oracle   DBType = "oracle"

	DefaultDBType = MySQL
)

var placeholder = regexp.MustCompile(`\?`)

// rewrite converts "?" placeholders to $1, $2, ... for Postgres or :1, :2,
// ... for Oracle, leaving MySQL's native "?" untouched.
func (t DBType) rewrite(query string) string {
	var prefix string

	switch t {
	case Postgres:
		prefix = "$"
	case Oracle:
		prefix = ":"
	default:
		return query
	}

	n := 0

	return placeholder.ReplaceAllStringFunc(query, func(string) string {
		n++
		return prefix + strconv.Itoa(n)
	})
}

// SQLOption configures a SQL metastore.
type SQLOption func(*SQL)

// WithDBType selects the placeholder syntax for the target database family.
// Defaults to MySQL, whose native "?" placeholders the default queries
// already use. This package registers no driver itself.
func WithDBType(t DBType) SQLOption {
	return func(s *SQL) {
		s.dbType = t
		s.loadQuery = t.rewrite(s.loadQuery)
		s.storeQuery = t.rewrite(s.storeQuery)
		s.loadLatestQuery = t.rewrite(s.loadLatestQuery)
	}
}

// SQL implements Metastore over a database/sql connection pool. The default
// queries expect an encryption_key table with id, created and key_record
// columns; created is bound as a time.Time and key_record holds the
// JSON-encoded EnvelopeKeyRecord.
type SQL struct {
	db *sql.DB

	dbType          DBType
	loadQuery       string
	storeQuery      string
	loadLatestQuery string
}

// NewSQL wraps db as a Metastore. db should be opened with a driver
// registered under its native name (e.g. "mysql" for go-sql-driver/mysql).
func NewSQL(db *sql.DB, opts ...SQLOption) *SQL {
	s := &SQL{
		db:              db,
		dbType:          DefaultDBType,
		loadQuery:       defaultLoadQuery,
		storeQuery:      defaultStoreQuery,
		loadLatestQuery: defaultLoadLatestQuery,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func decodeRow(s scanner) (*envelope.EnvelopeKeyRecord, error) {
	var raw string

	if err := s.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "metastore: scan failed")
	}

	var ekr envelope.EnvelopeKeyRecord
	if err := json.Unmarshal([]byte(raw), &ekr); err != nil {
		return nil, errors.Wrap(err, "metastore: unable to unmarshal key record")
	}

	return &ekr, nil
}

// Load retrieves the record for the exact (id, created) pair.
func (s *SQL) Load(ctx context.Context, id string, created int64) (*envelope.EnvelopeKeyRecord, error) {
	defer loadSQLTimer.UpdateSince(time.Now())

	return decodeRow(s.db.QueryRowContext(ctx, s.loadQuery, id, time.Unix(created, 0)))
}

// LoadLatest retrieves the newest record for id.
func (s *SQL) LoadLatest(ctx context.Context, id string) (*envelope.EnvelopeKeyRecord, error) {
	defer loadLatestSQLTimer.UpdateSince(time.Now())

	return decodeRow(s.db.QueryRowContext(ctx, s.loadLatestQuery, id))
}

// Store attempts to insert ekr under (id, created).
//
// database/sql exposes no driver-agnostic way to distinguish a duplicate-key
// violation from any other insert failure, so every failure is reported as
// (false, err); the engine's duplicate-key recovery path treats any false
// result the same way regardless of cause.
func (s *SQL) Store(ctx context.Context, id string, created int64, ekr *envelope.EnvelopeKeyRecord) (bool, error) {
	defer storeSQLTimer.UpdateSince(time.Now())

	b, err := json.Marshal(ekr)
	if err != nil {
		return false, errors.Wrap(err, "metastore: unable to marshal key record")
	}

	if _, err := s.db.ExecContext(ctx, s.storeQuery, id, time.Unix(created, 0), string(b)); err != nil {
		return false, errors.Wrap(err, fmt.Sprintf("metastore: error storing key %s/%d", id, created))
	}

	return true, nil
}
