package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"graphkeep/internal/ingerr"
	"graphkeep/internal/model"
)

func (g *Graph) SaveJob(ctx context.Context, j model.Job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	_, err = g.pools.Writer.Exec(ctx, `
INSERT INTO jobs(id, principal, payload) VALUES ($1,$2,$3)
ON CONFLICT (id) DO UPDATE SET payload=EXCLUDED.payload
`, j.ID, j.Principal, payload)
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	return nil
}

func (g *Graph) GetJob(ctx context.Context, id string) (model.Job, bool, error) {
	var payload []byte
	err := g.pools.Reader.QueryRow(ctx, `SELECT payload FROM jobs WHERE id=$1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, &ingerr.StoreError{Cause: err}
	}
	var j model.Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return model.Job{}, false, &ingerr.StoreError{Cause: err}
	}
	return j, true, nil
}

func (g *Graph) ListJobs(ctx context.Context, principal string) ([]model.Job, error) {
	var rows pgx.Rows
	var err error
	if principal == "" {
		rows, err = g.pools.Reader.Query(ctx, `SELECT payload FROM jobs`)
	} else {
		rows, err = g.pools.Reader.Query(ctx, `SELECT payload FROM jobs WHERE principal=$1`, principal)
	}
	if err != nil {
		return nil, &ingerr.StoreError{Cause: err}
	}
	defer rows.Close()
	var out []model.Job
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, &ingerr.StoreError{Cause: err}
		}
		var j model.Job
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, &ingerr.StoreError{Cause: err}
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (g *Graph) DeleteJob(ctx context.Context, id string) error {
	tag, err := g.pools.Writer.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &ingerr.StoreError{Cause: errors.New("job not found: " + id)}
	}
	return nil
}

func (g *Graph) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	_, err = g.pools.Writer.Exec(ctx, `
INSERT INTO job_checkpoints(job_id, payload) VALUES ($1,$2)
ON CONFLICT (job_id) DO UPDATE SET payload=EXCLUDED.payload
`, cp.JobID, payload)
	if err != nil {
		return &ingerr.StoreError{Cause: err}
	}
	return nil
}

func (g *Graph) GetCheckpoint(ctx context.Context, jobID string) (model.Checkpoint, bool, error) {
	var payload []byte
	err := g.pools.Reader.QueryRow(ctx, `SELECT payload FROM job_checkpoints WHERE job_id=$1`, jobID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Checkpoint{}, false, nil
	}
	if err != nil {
		return model.Checkpoint{}, false, &ingerr.StoreError{Cause: err}
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return model.Checkpoint{}, false, &ingerr.StoreError{Cause: err}
	}
	return cp, true, nil
}
