package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore implements Store on the ledger_rows table. The table's
// CHECK (credits >= 0) backs the floor at the database level.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const rowColumns = `device_id, unsigned_root, subscriber_id, credits, last_update, last_order_ref, backups`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (*Row, error) {
	var (
		r       Row
		backups []byte
	)
	if err := s.Scan(&r.DeviceID, &r.UnsignedRoot, &r.SubscriberID, &r.Credits,
		&r.LastUpdate, &r.LastOrderRef, &backups); err != nil {
		return nil, err
	}
	if len(backups) > 0 {
		if err := json.Unmarshal(backups, &r.Backups); err != nil {
			return nil, fmt.Errorf("decode backups for %s: %w", r.DeviceID, err)
		}
	}
	return &r, nil
}

func encodeBackups(b []Backup) ([]byte, error) {
	if b == nil {
		b = []Backup{}
	}
	return json.Marshal(b)
}

func (p *PostgresStore) Get(ctx context.Context, deviceID string) (*Row, error) {
	row, err := scanRow(p.db.QueryRowContext(ctx,
		`SELECT `+rowColumns+` FROM ledger_rows WHERE device_id = $1`, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRowNotFound
	}
	return row, err
}

func (p *PostgresStore) FindByRoot(ctx context.Context, unsignedRoot string) ([]*Row, error) {
	return p.query(ctx, `SELECT `+rowColumns+` FROM ledger_rows WHERE unsigned_root = $1 ORDER BY device_id`, unsignedRoot)
}

func (p *PostgresStore) FindBySubscriber(ctx context.Context, subscriberID string) ([]*Row, error) {
	return p.query(ctx, `SELECT `+rowColumns+` FROM ledger_rows WHERE subscriber_id = $1 ORDER BY device_id`, subscriberID)
}

func (p *PostgresStore) query(ctx context.Context, q string, arg string) ([]*Row, error) {
	rows, err := p.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Insert(ctx context.Context, row *Row) error {
	backups, err := encodeBackups(row.Backups)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_rows (`+rowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id) DO NOTHING
	`, row.DeviceID, row.UnsignedRoot, row.SubscriberID, row.Credits, row.LastUpdate, row.LastOrderRef, backups)
	if err != nil {
		return fmt.Errorf("insert ledger row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRowExists
	}
	return nil
}

// Replace locks both keys with SELECT ... FOR UPDATE inside one
// serializable transaction, builds the replacement from the locked rows,
// then deletes the old key and upserts the new one.
func (p *PostgresStore) Replace(ctx context.Context, oldDeviceID, newDeviceID string, build ReplaceFunc) (*Row, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	lock := `SELECT ` + rowColumns + ` FROM ledger_rows WHERE device_id = $1 FOR UPDATE`
	old, err := scanRow(tx.QueryRowContext(ctx, lock, oldDeviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock superseded row: %w", err)
	}
	var current *Row
	if newDeviceID != oldDeviceID {
		current, err = scanRow(tx.QueryRowContext(ctx, lock, newDeviceID))
		if errors.Is(err, sql.ErrNoRows) {
			current, err = nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("lock target row: %w", err)
		}
	}

	row, err := build(old, current)
	if err != nil {
		return nil, err
	}
	row.DeviceID = newDeviceID
	backups, err := encodeBackups(row.Backups)
	if err != nil {
		return nil, err
	}

	if oldDeviceID != newDeviceID {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_rows WHERE device_id = $1`, oldDeviceID); err != nil {
			return nil, fmt.Errorf("delete superseded row: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_rows (`+rowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id) DO UPDATE SET
			unsigned_root  = EXCLUDED.unsigned_root,
			subscriber_id  = EXCLUDED.subscriber_id,
			credits        = EXCLUDED.credits,
			last_update    = EXCLUDED.last_update,
			last_order_ref = EXCLUDED.last_order_ref,
			backups        = EXCLUDED.backups
	`, row.DeviceID, row.UnsignedRoot, row.SubscriberID, row.Credits, row.LastUpdate, row.LastOrderRef, backups)
	if err != nil {
		return nil, fmt.Errorf("write replacement row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return row, nil
}

func (p *PostgresStore) ConditionalDebit(ctx context.Context, deviceID string, amount int64) (int64, error) {
	var credits int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE ledger_rows SET credits = credits - $2, last_update = NOW()
		WHERE device_id = $1 AND credits >= $2
		RETURNING credits
	`, deviceID, amount).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.Get(ctx, deviceID); gerr != nil {
			return 0, gerr
		}
		return 0, ErrConditionFailed
	}
	if err != nil {
		return 0, fmt.Errorf("debit: %w", err)
	}
	return credits, nil
}

func (p *PostgresStore) ConditionalFloor(ctx context.Context, deviceID string, amount int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE ledger_rows SET credits = 0, last_update = NOW() WHERE device_id = $1 AND credits < $2`,
		deviceID, amount)
	if err != nil {
		return fmt.Errorf("floor credits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := p.Get(ctx, deviceID); gerr != nil {
			return gerr
		}
		return ErrConditionFailed
	}
	return nil
}

func (p *PostgresStore) AddCredits(ctx context.Context, deviceID string, amount, orderRef int64) (*Row, error) {
	row, err := scanRow(p.db.QueryRowContext(ctx, `
		UPDATE ledger_rows SET
			credits        = credits + $2,
			last_order_ref = CASE WHEN $3 <> 0 THEN $3 ELSE last_order_ref END,
			last_update    = NOW()
		WHERE device_id = $1 AND ($3 = 0 OR last_order_ref <> $3)
		RETURNING `+rowColumns, deviceID, amount, orderRef))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.Get(ctx, deviceID); gerr != nil {
			return nil, gerr
		}
		return nil, ErrDuplicateCredit
	}
	if err != nil {
		return nil, fmt.Errorf("add credits: %w", err)
	}
	return row, nil
}
