package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/atelier-labs/atelier/internal/repo"
)

type storeSet struct {
	projects *ProjectStore
	runs     *RunStore
	sessions *SessionStore
	jobs     *JobStore
	builds   *BuildStore
	images   *ImageStore
}

func newStoreSet(db DB) storeSet {
	return storeSet{
		projects: NewProjectStore(db),
		runs:     NewRunStore(db),
		sessions: NewSessionStore(db),
		jobs:     NewJobStore(db),
		builds:   NewBuildStore(db),
		images:   NewImageStore(db),
	}
}

func (s storeSet) Projects() repo.ProjectRepository { return s.projects }
func (s storeSet) Runs() repo.RunRepository         { return s.runs }
func (s storeSet) Sessions() repo.SessionRepository { return s.sessions }
func (s storeSet) Jobs() repo.JobRepository         { return s.jobs }
func (s storeSet) Builds() repo.BuildRepository     { return s.builds }
func (s storeSet) Images() repo.ImageRepository     { return s.images }

// Pool binds the store set to the connection pool and opens transactions
// for coordinated multi-row work.
type Pool struct {
	db *sql.DB
	storeSet
}

func NewPool(db *sql.DB) *Pool {
	if db == nil {
		return nil
	}
	return &Pool{db: db, storeSet: newStoreSet(db)}
}

func (p *Pool) Begin(ctx context.Context) (repo.TxStores, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &txStores{tx: tx, storeSet: newStoreSet(tx)}, nil
}

type txStores struct {
	tx *sql.Tx
	storeSet
}

func (t *txStores) Commit() error   { return t.tx.Commit() }
func (t *txStores) Rollback() error { return t.tx.Rollback() }
