package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
)

type InsertDocumentParams struct {
	JobID      uuid.UUID
	Url        string
	Markdown   sql.NullString
	Html       sql.NullString
	RawHtml    sql.NullString
	Metadata   json.RawMessage
	StatusCode sql.NullInt32
	Engine     sql.NullString
}

func (q *Queries) InsertDocument(ctx context.Context, arg InsertDocumentParams) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO documents (id, job_id, url, markdown, html, raw_html, metadata, status_code, engine, created_at)
VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, now())`,
		arg.JobID, arg.Url, arg.Markdown, arg.Html, arg.RawHtml, arg.Metadata, arg.StatusCode, arg.Engine)
	return err
}

func (q *Queries) GetDocumentsByJobID(ctx context.Context, jobID uuid.UUID) ([]Document, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, job_id, url, markdown, html, raw_html, metadata, status_code, engine, created_at
FROM documents WHERE job_id = $1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.JobID, &d.Url, &d.Markdown, &d.Html, &d.RawHtml,
			&d.Metadata, &d.StatusCode, &d.Engine, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
