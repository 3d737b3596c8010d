package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

// MigrationStore implements domain.MigrationStore using PostgreSQL.
type MigrationStore struct {
	pool *pgxpool.Pool
}

// NewMigrationStore creates a new MigrationStore backed by the given
// connection pool.
func NewMigrationStore(pool *pgxpool.Pool) *MigrationStore {
	return &MigrationStore{pool: pool}
}

var _ domain.MigrationStore = (*MigrationStore)(nil)

const migrationSelectCols = `id, position_id, caller, destination_owner, collateral_owner,
	max_slippage_bps, status, error_kind, error_message, receipt, created_at`

// uniqueViolation is the SQLSTATE for a primary key or unique conflict.
const uniqueViolation = "23505"

// Insert stores rec. A second insert with the same ID returns
// domain.ErrAlreadyExists.
func (s *MigrationStore) Insert(ctx context.Context, rec domain.MigrationRecord) error {
	var receipt []byte
	if rec.Receipt != nil {
		var err error
		receipt, err = json.Marshal(domain.NewReceiptDocument(*rec.Receipt))
		if err != nil {
			return fmt.Errorf("postgres: marshal receipt: %w", err)
		}
	}

	const query = `
		INSERT INTO migrations (
			id, position_id, caller, destination_owner, collateral_owner,
			max_slippage_bps, status, error_kind, error_message, receipt, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, int64(rec.PositionID), rec.Caller.Hex(), rec.DestinationOwner.Hex(), rec.CollateralOwner.Hex(),
		int32(rec.MaxSlippageBps), string(rec.Status), string(rec.ErrorKind), rec.ErrorMessage, receipt, rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: migration %s: %w", rec.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert migration %s: %w", rec.ID, err)
	}
	return nil
}

// GetByID returns the record with id, or domain.ErrNotFound.
func (s *MigrationStore) GetByID(ctx context.Context, id string) (domain.MigrationRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+migrationSelectCols+` FROM migrations WHERE id = $1`, id)
	if err != nil {
		return domain.MigrationRecord{}, fmt.Errorf("postgres: get migration %s: %w", id, err)
	}
	recs, err := scanMigrationRows(rows)
	if err != nil {
		return domain.MigrationRecord{}, fmt.Errorf("postgres: get migration %s: %w", id, err)
	}
	if len(recs) == 0 {
		return domain.MigrationRecord{}, fmt.Errorf("postgres: migration %s: %w", id, domain.ErrNotFound)
	}
	return recs[0], nil
}

// ListByPosition returns attempts on position id, newest first.
func (s *MigrationStore) ListByPosition(ctx context.Context, id domain.PositionID, opts domain.ListOpts) ([]domain.MigrationRecord, error) {
	query, args := listQuery(`SELECT `+migrationSelectCols+` FROM migrations WHERE position_id = $1`, []any{int64(id)}, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list migrations for position %d: %w", id, err)
	}
	recs, err := scanMigrationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list migrations for position %d: %w", id, err)
	}
	return recs, nil
}

// ListRecent returns attempts across all positions, newest first.
func (s *MigrationStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.MigrationRecord, error) {
	query, args := listQuery(`SELECT `+migrationSelectCols+` FROM migrations WHERE 1=1`, nil, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent migrations: %w", err)
	}
	recs, err := scanMigrationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent migrations: %w", err)
	}
	return recs, nil
}

// listQuery appends the time window, ordering and paging in opts to base,
// whose existing placeholders are filled by args.
func listQuery(base string, args []any, opts domain.ListOpts) (string, []any) {
	query := base
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.Since != nil {
		query += " AND created_at >= " + next(*opts.Since)
	}
	if opts.Until != nil {
		query += " AND created_at <= " + next(*opts.Until)
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT " + next(opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET " + next(opts.Offset)
	}
	return query, args
}

func scanMigrationRows(rows pgx.Rows) ([]domain.MigrationRecord, error) {
	defer rows.Close()
	var recs []domain.MigrationRecord
	for rows.Next() {
		var (
			rec                                  domain.MigrationRecord
			positionID                           int64
			caller, destOwner, collOwner, status string
			kind                                 string
			bps                                  int32
			receipt                              []byte
		)
		if err := rows.Scan(
			&rec.ID, &positionID, &caller, &destOwner, &collOwner,
			&bps, &status, &kind, &rec.ErrorMessage, &receipt, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.PositionID = domain.PositionID(positionID)
		rec.Caller = common.HexToAddress(caller)
		rec.DestinationOwner = common.HexToAddress(destOwner)
		rec.CollateralOwner = common.HexToAddress(collOwner)
		rec.MaxSlippageBps = uint32(bps)
		rec.Status = domain.MigrationStatus(status)
		rec.ErrorKind = domain.ErrorKind(kind)
		if receipt != nil {
			var doc domain.ReceiptDocument
			if err := json.Unmarshal(receipt, &doc); err != nil {
				return nil, fmt.Errorf("unmarshal receipt: %w", err)
			}
			r, err := doc.Receipt()
			if err != nil {
				return nil, err
			}
			rec.Receipt = &r
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
