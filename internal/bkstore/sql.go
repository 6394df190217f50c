// Public domain.

package bkstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq"  // registers "postgres"
	_ "modernc.org/sqlite" // registers "sqlite"

	"github.com/soniakeys/unit"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
)

// SQL is a store backed by a database with tables runs and events.  The
// same statements serve sqlite and postgres.
type SQL struct {
	db     *sql.DB
	driver string
	dsn    string
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      INTEGER PRIMARY KEY,
	ra_pnt_deg  DOUBLE PRECISION NOT NULL,
	dec_pnt_deg DOUBLE PRECISION NOT NULL,
	t_mid_ns    BIGINT NOT NULL,
	livetime_s  DOUBLE PRECISION NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	run_id     INTEGER NOT NULL REFERENCES runs(run_id),
	ra_deg     DOUBLE PRECISION NOT NULL,
	dec_deg    DOUBLE PRECISION NOT NULL,
	energy_tev DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS events_run ON events(run_id);
`

// OpenSQL opens a database.  Driver is "sqlite" or "postgres".
func OpenSQL(driver, dsn string) (*SQL, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// one writer; readers share the connection pool
		db.SetMaxOpenConns(1)
	}
	return &SQL{db: db, driver: driver, dsn: dsn}, nil
}

// Init creates the tables if they do not exist.
func (s *SQL) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) String() string { return s.driver + ":" + redact(s.dsn) }

// redact drops credentials from a database URL for logging.
func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

// Put stores a run and its events in one transaction.
func (s *SQL) Put(ctx context.Context, o bkbin.Observation, events []bkbin.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, ra_pnt_deg, dec_pnt_deg, t_mid_ns, livetime_s) VALUES ($1, $2, $3, $4, $5)`,
		o.RunID, bkbin.RADeg(o.Pointing.RA), o.Pointing.Dec.Deg(),
		o.MidTime.UnixNano(), o.Livetime.Seconds()); err != nil {
		return fmt.Errorf("insert run %d: %w", o.RunID, err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (run_id, ra_deg, dec_deg, energy_tev) VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range events {
		if _, err = stmt.ExecContext(ctx, o.RunID, bkbin.RADeg(e.RA), e.Dec.Deg(), e.Energy); err != nil {
			return fmt.Errorf("insert event of run %d: %w", o.RunID, err)
		}
	}
	return tx.Commit()
}

// Observations returns all runs ordered by run id.
func (s *SQL) Observations(ctx context.Context) ([]bkbin.Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, ra_pnt_deg, dec_pnt_deg, t_mid_ns, livetime_s FROM runs ORDER BY run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var obs []bkbin.Observation
	for rows.Next() {
		o, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(r scanner) (bkbin.Observation, error) {
	var (
		o           bkbin.Observation
		ra, dec, lt float64
		tmid        int64
	)
	if err := r.Scan(&o.RunID, &ra, &dec, &tmid, &lt); err != nil {
		return o, err
	}
	o.Pointing = bkbin.Pointing{RA: unit.RAFromDeg(ra), Dec: unit.AngleFromDeg(dec)}
	o.MidTime = time.Unix(0, tmid).UTC()
	o.Livetime = time.Duration(lt * float64(time.Second))
	return o, nil
}

// Resolve implements Resolver.
func (s *SQL) Resolve(ctx context.Context, run int) (*Run, error) {
	o, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT run_id, ra_pnt_deg, dec_pnt_deg, t_mid_ns, livetime_s FROM runs WHERE run_id = $1`, run))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("resolve", run, "not in %s", s)
	}
	if err != nil {
		return nil, unavailable("resolve", run, "%s: %v", s, err)
	}
	return NewRun(o, s.String(), func(ctx context.Context) ([]bkbin.Event, error) {
		return s.events(ctx, run)
	}), nil
}

func (s *SQL) events(ctx context.Context, run int) ([]bkbin.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ra_deg, dec_deg, energy_tev FROM events WHERE run_id = $1`, run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ev []bkbin.Event
	for rows.Next() {
		var ra, dec, e float64
		if err := rows.Scan(&ra, &dec, &e); err != nil {
			return nil, err
		}
		ev = append(ev, bkbin.Event{RA: unit.RAFromDeg(ra), Dec: unit.AngleFromDeg(dec), Energy: e})
	}
	return ev, rows.Err()
}
