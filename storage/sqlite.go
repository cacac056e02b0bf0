package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sqlite "github.com/go-llsqlite/crawshaw"
	"github.com/go-llsqlite/crawshaw/sqlitex"

	"github.com/swarmsync/go-swarm/spec"
	"github.com/swarmsync/go-swarm/syncable"
)

const schema = `
CREATE TABLE IF NOT EXISTS states
(
    type_id TEXT PRIMARY KEY,
    state   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ops
(
    type_id TEXT NOT NULL,
    spec    TEXT NOT NULL,
    value   TEXT NOT NULL,
    PRIMARY KEY (type_id, spec)
);
`

// ErrNoConnection is returned when the connection pool was closed.
var ErrNoConnection = errors.New("database: no free connection")

type (
	encoder func(*sqlite.Stmt)
	decoder func(*sqlite.Stmt) bool
)

// SQLite keeps states and logs in two tables of an SQLite database.
type SQLite struct {
	pool *sqlitex.Pool
}

var _ Backend = (*SQLite)(nil)

// NewSQLite opens or creates the database at uri in WAL mode.
func NewSQLite(uri string) (*SQLite, error) {
	flags := sqlite.SQLITE_OPEN_READWRITE |
		sqlite.SQLITE_OPEN_CREATE |
		sqlite.SQLITE_OPEN_WAL |
		sqlite.SQLITE_OPEN_URI |
		sqlite.SQLITE_OPEN_NOMUTEX
	pool, err := sqlitex.Open(uri, flags, 1)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", uri, err)
	}
	s := &SQLite{pool: pool}
	err = s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.ExecScript(conn, schema)
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("apply schema: %w", err), pool.Close())
	}
	return s, nil
}

func (s *SQLite) withConn(fn func(*sqlite.Conn) error) error {
	conn := s.pool.Get(context.Background())
	if conn == nil {
		return ErrNoConnection
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

func (s *SQLite) exec(query string, enc encoder, dec decoder) (int, error) {
	var rows int
	err := s.withConn(func(conn *sqlite.Conn) error {
		var err error
		rows, err = exec(conn, query, enc, dec)
		return err
	})
	return rows, err
}

func exec(conn *sqlite.Conn, query string, enc encoder, dec decoder) (int, error) {
	stmt, err := conn.Prepare(query)
	if err != nil {
		return 0, fmt.Errorf("prepare %s: %w", query, err)
	}
	if enc != nil {
		enc(stmt)
	}
	defer stmt.ClearBindings()

	rows := 0
	for {
		row, err := stmt.Step()
		if err != nil {
			return 0, fmt.Errorf("step %d: %w", rows, err)
		}
		if !row {
			return rows, nil
		}
		rows++
		if dec == nil {
			continue
		}
		if !dec(stmt) {
			if err := stmt.Reset(); err != nil {
				return rows, fmt.Errorf("statement reset %w", err)
			}
			return rows, nil
		}
	}
}

func (s *SQLite) ReadState(ti spec.TypeID) (map[string]syncable.Value, error) {
	var (
		state  map[string]syncable.Value
		decErr error
	)
	_, err := s.exec("select state from states where type_id = ?1;",
		func(stmt *sqlite.Stmt) {
			stmt.BindText(1, ti.String())
		}, func(stmt *sqlite.Stmt) bool {
			decErr = json.Unmarshal([]byte(stmt.ColumnText(0)), &state)
			return false
		})
	if err != nil {
		return nil, fmt.Errorf("select state %s: %w", ti, err)
	}
	if decErr != nil {
		return nil, fmt.Errorf("decode state %s: %w", ti, decErr)
	}
	return state, nil
}

func (s *SQLite) ReadOps(ti spec.TypeID) (map[string]syncable.Value, error) {
	var (
		ops    map[string]syncable.Value
		decErr error
	)
	_, err := s.exec("select spec, value from ops where type_id = ?1;",
		func(stmt *sqlite.Stmt) {
			stmt.BindText(1, ti.String())
		}, func(stmt *sqlite.Stmt) bool {
			var v syncable.Value
			if decErr = json.Unmarshal([]byte(stmt.ColumnText(1)), &v); decErr != nil {
				return false
			}
			if ops == nil {
				ops = make(map[string]syncable.Value)
			}
			ops[stmt.ColumnText(0)] = v
			return true
		})
	if err != nil {
		return nil, fmt.Errorf("select ops %s: %w", ti, err)
	}
	if decErr != nil {
		return nil, fmt.Errorf("decode op %s: %w", ti, decErr)
	}
	return ops, nil
}

func (s *SQLite) WriteState(ti spec.TypeID, state map[string]syncable.Value) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return s.withConn(func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)
		if _, err = exec(conn, `insert into states (type_id, state) values (?1, ?2)
			on conflict (type_id) do update set state = excluded.state;`,
			func(stmt *sqlite.Stmt) {
				stmt.BindText(1, ti.String())
				stmt.BindText(2, string(data))
			}, nil); err != nil {
			return fmt.Errorf("upsert state %s: %w", ti, err)
		}
		if _, err = exec(conn, "delete from ops where type_id = ?1;",
			func(stmt *sqlite.Stmt) {
				stmt.BindText(1, ti.String())
			}, nil); err != nil {
			return fmt.Errorf("trim ops %s: %w", ti, err)
		}
		return nil
	})
}

func (s *SQLite) AppendOp(ti spec.TypeID, vo spec.VersionOp, value syncable.Value) (int, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode op: %w", err)
	}
	if _, err := s.exec("insert or replace into ops (type_id, spec, value) values (?1, ?2, ?3);",
		func(stmt *sqlite.Stmt) {
			stmt.BindText(1, ti.String())
			stmt.BindText(2, vo.String())
			stmt.BindText(3, string(data))
		}, nil); err != nil {
		return 0, fmt.Errorf("insert op %s%s: %w", ti, vo, err)
	}
	var n int
	if _, err := s.exec("select count(*) from ops where type_id = ?1;",
		func(stmt *sqlite.Stmt) {
			stmt.BindText(1, ti.String())
		}, func(stmt *sqlite.Stmt) bool {
			n = stmt.ColumnInt(0)
			return false
		}); err != nil {
		return 0, fmt.Errorf("count ops %s: %w", ti, err)
	}
	return n, nil
}

func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("close pool %w", err)
	}
	return nil
}
