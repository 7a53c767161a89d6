package internal

import (
	"context"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
)

type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

type Gateway struct {
	Host       string
	Port       int32
	Generation int64
	Status     string
}

const listGateways = `
SELECT host, port, generation, status FROM gateways
WHERE status = $1
ORDER BY host, port, generation
`

func (q *Queries) ListGateways(ctx context.Context, status string) ([]Gateway, error) {
	rows, err := q.db.Query(ctx, listGateways, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Gateway
	for rows.Next() {
		var i Gateway
		if err := rows.Scan(&i.Host, &i.Port, &i.Generation, &i.Status); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertGateway = `
INSERT INTO gateways (host, port, generation, status) VALUES ($1, $2, $3, $4)
`

type InsertGatewayParams struct {
	Host       string
	Port       int32
	Generation int64
	Status     string
}

func (q *Queries) InsertGateway(ctx context.Context, arg InsertGatewayParams) error {
	_, err := q.db.Exec(ctx, insertGateway, arg.Host, arg.Port, arg.Generation, arg.Status)
	return err
}

const updateGatewayStatus = `
UPDATE gateways SET status = $4, updated_at = now()
WHERE host = $1 AND port = $2 AND generation = $3
`

type UpdateGatewayStatusParams struct {
	Host       string
	Port       int32
	Generation int64
	Status     string
}

func (q *Queries) UpdateGatewayStatus(ctx context.Context, arg UpdateGatewayStatusParams) (int64, error) {
	tag, err := q.db.Exec(ctx, updateGatewayStatus, arg.Host, arg.Port, arg.Generation, arg.Status)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
