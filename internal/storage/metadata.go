package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrRecordNotFound is returned when no stored job matches the id.
var ErrRecordNotFound = errors.New("job record not found")

// MetadataDB records terminal jobs in SQLite so finished work survives
// a restart of the in-memory registry.
type MetadataDB struct {
	db *sql.DB
}

// NewMetadataDB opens (and if needed initializes) the jobs database.
func NewMetadataDB(dbPath string) (*MetadataDB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %v", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		state TEXT NOT NULL,
		error TEXT,
		transcript_path TEXT,
		gdrive_url TEXT,
		word_count INTEGER,
		created_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`

	if _, err := db.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create table: %v", err)
	}

	return &MetadataDB{db: db}, nil
}

// SaveJob stores one terminal job record.
func (mdb *MetadataDB) SaveJob(
	jobID, name, state, errMsg, transcriptPath, gdriveURL string,
	wordCount int, createdAt time.Time,
) error {
	query := `
	INSERT INTO jobs (job_id, name, state, error, transcript_path, gdrive_url, word_count, created_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := mdb.db.Exec(query, jobID, name, state, errMsg, transcriptPath, gdriveURL,
		wordCount, createdAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save job metadata: %v", err)
	}

	return nil
}

// GetJob retrieves one stored job by its id.
func (mdb *MetadataDB) GetJob(jobID string) (map[string]interface{}, error) {
	query := `
	SELECT job_id, name, state, error, transcript_path, gdrive_url, word_count, created_at, finished_at
	FROM jobs WHERE job_id = ?
	`

	row := mdb.db.QueryRow(query, jobID)
	record, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %v", err)
	}
	return record, nil
}

// ListJobs returns the most recent stored jobs, newest first.
func (mdb *MetadataDB) ListJobs(limit int) ([]map[string]interface{}, error) {
	query := `
	SELECT job_id, name, state, error, transcript_path, gdrive_url, word_count, created_at, finished_at
	FROM jobs ORDER BY created_at DESC LIMIT ?
	`

	rows, err := mdb.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %v", err)
	}
	defer rows.Close()

	var jobs []map[string]interface{}
	for rows.Next() {
		record, err := scanJob(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, record)
	}

	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (map[string]interface{}, error) {
	var (
		jobID, name, state                string
		errMsg, transcriptPath, gdriveURL sql.NullString
		wordCount                         sql.NullInt64
		createdAt, finishedAt             time.Time
	)

	if err := row.Scan(&jobID, &name, &state, &errMsg, &transcriptPath, &gdriveURL,
		&wordCount, &createdAt, &finishedAt); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"job_id":          jobID,
		"name":            name,
		"state":           state,
		"error":           errMsg.String,
		"transcript_path": transcriptPath.String,
		"gdrive_url":      gdriveURL.String,
		"word_count":      int(wordCount.Int64),
		"created_at":      createdAt,
		"finished_at":     finishedAt,
	}, nil
}

// Close closes the database connection.
func (mdb *MetadataDB) Close() error {
	return mdb.db.Close()
}
