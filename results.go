package dumbbell

import (
	"database/sql"
	"fmt"

	// Need to use SQLite connections.
	_ "github.com/glebarez/go-sqlite"
	"github.com/tebeka/atexit"
)

// ResultsStore appends experiment reports to a SQLite database, one row per run
type ResultsStore struct {
	*sql.DB
	filename  string
	statement *sql.Stmt
	exitHook  atexit.HandlerID
}

// OpenResultsStore opens (creating if needed) the database in filename
func OpenResultsStore(filename string) (*ResultsStore, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	rs := &ResultsStore{DB: db, filename: filename}

	if err := rs.createTable(); err != nil {
		db.Close()
		return nil, err
	}
	rs.statement, err = db.Prepare(`
		insert into runs
		(run_id, exp_name, cc, start_time, stop_time, bytes_sent, bytes_received,
		 correction, throughput_bps, bottleneck_bps, queue_capacity, queue_peak, queue_drops,
		 retransmits, timeouts, mean_mbps, stddev_mbps)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	rs.exitHook = atexit.Register(func() { rs.DB.Close() })
	return rs, nil
}

func (rs *ResultsStore) createTable() error {
	_, err := rs.Exec(`
		create table if not exists runs
		(
			run_id         varchar(40) not null primary key,
			exp_name       varchar(100),
			cc             varchar(40),
			start_time     float not null,
			stop_time      float not null,
			bytes_sent     integer,
			bytes_received integer,
			correction     float,
			throughput_bps float,
			bottleneck_bps float,
			queue_capacity integer,
			queue_peak     integer,
			queue_drops    integer,
			retransmits    integer,
			timeouts       integer,
			mean_mbps      float,
			stddev_mbps    float
		);
	`)
	return err
}

// Record appends the report
func (rs *ResultsStore) Record(rprt *Report) error {
	_, err := rs.statement.Exec(rprt.RunID, rprt.ExpName, rprt.CongestionControl, rprt.Start, rprt.Stop,
		rprt.BytesSent, rprt.BytesReceived, rprt.CorrectionFactor, rprt.ThroughputBps, rprt.BottleneckBps,
		rprt.QueueCapacity, rprt.QueuePeak, rprt.QueueDrops, rprt.Transport.Retransmits,
		rprt.Transport.Timeouts, rprt.Summary.Mean, rprt.Summary.StdDev)
	if err != nil {
		return fmt.Errorf("recording run %s in %s: %w", rprt.RunID, rs.filename, err)
	}
	return nil
}

// Runs returns the stored reports of an experiment, oldest first.  Samples
// and the transport counters other than retransmits and timeouts are not stored
func (rs *ResultsStore) Runs(expName string) ([]Report, error) {
	rows, err := rs.Query(`
		select run_id, exp_name, cc, start_time, stop_time, bytes_sent, bytes_received,
		       correction, throughput_bps, bottleneck_bps, queue_capacity, queue_peak, queue_drops,
		       retransmits, timeouts, mean_mbps, stddev_mbps
		from runs where exp_name = ? order by rowid
	`, expName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rprts := []Report{}
	for rows.Next() {
		r := Report{}
		err := rows.Scan(&r.RunID, &r.ExpName, &r.CongestionControl, &r.Start, &r.Stop, &r.BytesSent,
			&r.BytesReceived, &r.CorrectionFactor, &r.ThroughputBps, &r.BottleneckBps, &r.QueueCapacity,
			&r.QueuePeak, &r.QueueDrops, &r.Transport.Retransmits, &r.Transport.Timeouts,
			&r.Summary.Mean, &r.Summary.StdDev)
		if err != nil {
			return nil, err
		}
		r.ThroughputMbps = r.ThroughputBps / 1e6
		rprts = append(rprts, r)
	}
	return rprts, rows.Err()
}

// Close releases the prepared statement and the database
func (rs *ResultsStore) Close() error {
	if rs.exitHook != 0 {
		rs.exitHook.Cancel()
		rs.exitHook = 0
	}
	if rs.statement != nil {
		rs.statement.Close()
	}
	return rs.DB.Close()
}
