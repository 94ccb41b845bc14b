// Package kpi accumulates the energy actually committed by each step into
// daily totals.
package kpi

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kilianp07/ems/core/optimizer"
)

// Record is the committed energy of one system on one local day.
type Record struct {
	System        string
	Date          time.Time
	ImportedKWh   float64
	ExportedKWh   float64
	ChargedKWh    float64
	DischargedKWh float64
	CostEUR       float64
	Steps         int
}

// Day truncates t to midnight in loc.
func Day(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// FirstPeriod extracts the energy of the first period of r, the only one a
// receding horizon controller commits before planning again.
func FirstPeriod(system string, r *optimizer.DispatchResult, loc *time.Location) (Record, bool) {
	if r.Periods() == 0 {
		return Record{}, false
	}
	rec := Record{System: system, Date: Day(r.Timestamps[0], loc), Steps: 1}
	if len(r.Buy) > 0 {
		rec.ImportedKWh, rec.ExportedKWh = r.Buy[0], r.Sell[0]
		// Disabled flows carry +Inf prices and zero energy.
		if rec.ImportedKWh > 0 && len(r.BuyPrices) > 0 {
			rec.CostEUR += rec.ImportedKWh * r.BuyPrices[0]
		}
		if rec.ExportedKWh > 0 && len(r.SellPrices) > 0 {
			rec.CostEUR -= rec.ExportedKWh * r.SellPrices[0]
		}
	}
	if len(r.Charge) > 0 {
		rec.ChargedKWh, rec.DischargedKWh = r.Charge[0], r.Discharge[0]
	}
	return rec, true
}

// SQLiteStore persists KPI records in a SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	system   string
	location *time.Location
}

// NewSQLiteStore opens or creates the database and ensures schema. Days are
// cut at local midnight in loc; nil means UTC.
func NewSQLiteStore(path, system string, loc *time.Location) (*SQLiteStore, error) {
	if loc == nil {
		loc = time.UTC
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS energy_kpi (
        system TEXT,
        day INTEGER,
        imported REAL,
        exported REAL,
        charged REAL,
        discharged REAL,
        cost REAL,
        steps INTEGER,
        PRIMARY KEY(system, day)
    );`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, system: system, location: loc}, nil
}

// Add inserts or updates the KPI record.
func (s *SQLiteStore) Add(ctx context.Context, r Record) error {
	d := Day(r.Date, s.location)
	_, err := s.db.ExecContext(ctx, `INSERT INTO energy_kpi (system, day, imported, exported, charged, discharged, cost, steps)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(system, day) DO UPDATE SET
            imported = imported + excluded.imported,
            exported = exported + excluded.exported,
            charged = charged + excluded.charged,
            discharged = discharged + excluded.discharged,
            cost = cost + excluded.cost,
            steps = steps + excluded.steps`,
		r.System, d.Unix(), r.ImportedKWh, r.ExportedKWh, r.ChargedKWh, r.DischargedKWh, r.CostEUR, r.Steps)
	return err
}

// Write implements results.Sink with the first period of r.
func (s *SQLiteStore) Write(ctx context.Context, r *optimizer.DispatchResult) error {
	rec, ok := FirstPeriod(s.system, r, s.location)
	if !ok {
		return nil
	}
	return s.Add(ctx, rec)
}

// Query returns records in the range [start,end].
func (s *SQLiteStore) Query(ctx context.Context, system string, start, end time.Time) ([]Record, error) {
	start = Day(start, s.location)
	end = Day(end, s.location)
	rows, err := s.db.QueryContext(ctx, `SELECT system, day, imported, exported, charged, discharged, cost, steps
        FROM energy_kpi WHERE system = ? AND day >= ? AND day <= ? ORDER BY day`,
		system, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []Record
	for rows.Next() {
		var (
			r  Record
			ts int64
		)
		if err := rows.Scan(&r.System, &ts, &r.ImportedKWh, &r.ExportedKWh, &r.ChargedKWh, &r.DischargedKWh, &r.CostEUR, &r.Steps); err != nil {
			return nil, err
		}
		r.Date = time.Unix(ts, 0).In(s.location)
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
