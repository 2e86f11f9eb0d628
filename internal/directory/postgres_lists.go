package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/lib/pq"
)

// PostgresListStore keeps broadcast lists in the broadcast_lists table and
// their positions in broadcast_positions. Member and endpoint sets are
// TEXT[] columns updated with array_append and array_remove.
type PostgresListStore struct {
	db *sql.DB
}

func NewPostgresListStore(db *sql.DB) *PostgresListStore {
	return &PostgresListStore{db: db}
}

const listSelect = `
	SELECT l.id, l.name, l.owners, l.followers, l.endpoints, l.chat_id, l.locale, l.time_zone,
	       COALESCE(p.positions, '[]'::jsonb)
	FROM broadcast_lists l
	LEFT JOIN broadcast_positions p ON p.list_id = l.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanList(s rowScanner) (*List, error) {
	var (
		l                      List
		owners, followers, eps []string
		positions              []byte
	)
	if err := s.Scan(&l.ID, &l.Name, pq.Array(&owners), pq.Array(&followers), pq.Array(&eps),
		&l.ChatID, &l.Locale, &l.TimeZone, &positions); err != nil {
		return nil, err
	}
	l.Owners = mapset.NewSet(owners...)
	l.Followers = mapset.NewSet(followers...)
	l.Endpoints = mapset.NewSet[EndpointRef]()
	for _, e := range eps {
		l.Endpoints.Add(ParseRef(e))
	}
	if err := json.Unmarshal(positions, &l.Positions); err != nil {
		return nil, fmt.Errorf("decode positions for %s: %w", l.ID, err)
	}
	return &l, nil
}

func (p *PostgresListStore) Get(ctx context.Context, listID string) (*List, error) {
	l, err := scanList(p.db.QueryRowContext(ctx, listSelect+` WHERE l.id = $1`, listID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListNotFound
	}
	return l, err
}

func (p *PostgresListStore) Save(ctx context.Context, l *List) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO broadcast_lists (id, name, owners, followers, endpoints, chat_id, locale, time_zone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name      = EXCLUDED.name,
			owners    = EXCLUDED.owners,
			followers = EXCLUDED.followers,
			endpoints = EXCLUDED.endpoints,
			chat_id   = EXCLUDED.chat_id,
			locale    = EXCLUDED.locale,
			time_zone = EXCLUDED.time_zone
	`, l.ID, l.Name, pq.Array(sortedSlice(l.Owners)), pq.Array(sortedSlice(l.Followers)),
		pq.Array(refStrings(l.Endpoints)), l.ChatID, l.Locale, l.TimeZone)
	if err != nil {
		return fmt.Errorf("save list %s: %w", l.ID, err)
	}
	return nil
}

// memberColumn maps a role onto its column. Roles are a closed set, so the
// column name never comes from input.
func memberColumn(role Role) string {
	if role == RoleOwner {
		return "owners"
	}
	return "followers"
}

func (p *PostgresListStore) WithMember(ctx context.Context, role Role, deviceID string) ([]*List, error) {
	rows, err := p.db.QueryContext(ctx,
		listSelect+` WHERE $1 = ANY(l.`+memberColumn(role)+`) ORDER BY l.id`, deviceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*List
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *PostgresListStore) AddMember(ctx context.Context, listID string, role Role, deviceID string) (bool, error) {
	col := memberColumn(role)
	return p.arrayUpdate(ctx, listID,
		`UPDATE broadcast_lists SET `+col+` = array_append(`+col+`, $2)
		 WHERE id = $1 AND NOT ($2 = ANY(`+col+`))`, deviceID)
}

func (p *PostgresListStore) RemoveMember(ctx context.Context, listID string, role Role, deviceID string) (bool, error) {
	col := memberColumn(role)
	return p.arrayUpdate(ctx, listID,
		`UPDATE broadcast_lists SET `+col+` = array_remove(`+col+`, $2)
		 WHERE id = $1 AND $2 = ANY(`+col+`)`, deviceID)
}

func (p *PostgresListStore) AddEndpoint(ctx context.Context, listID string, ref EndpointRef) error {
	_, err := p.arrayUpdate(ctx, listID,
		`UPDATE broadcast_lists SET endpoints = array_append(endpoints, $2)
		 WHERE id = $1 AND NOT ($2 = ANY(endpoints))`, ref.String())
	return err
}

func (p *PostgresListStore) RemoveEndpoint(ctx context.Context, listID string, ref EndpointRef) error {
	_, err := p.arrayUpdate(ctx, listID,
		`UPDATE broadcast_lists SET endpoints = array_remove(endpoints, $2)
		 WHERE id = $1 AND $2 = ANY(endpoints)`, ref.String())
	return err
}

func (p *PostgresListStore) RemoveEndpointEverywhere(ctx context.Context, ref EndpointRef) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE broadcast_lists SET endpoints = array_remove(endpoints, $1) WHERE $1 = ANY(endpoints)`,
		ref.String())
	if err != nil {
		return fmt.Errorf("remove endpoint %s: %w", ref, err)
	}
	return nil
}

func (p *PostgresListStore) SetPositions(ctx context.Context, listID string, positions []Position) error {
	if positions == nil {
		positions = []Position{}
	}
	data, err := json.Marshal(positions)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO broadcast_positions (list_id, positions, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (list_id) DO UPDATE SET positions = EXCLUDED.positions, updated_at = NOW()
	`, listID, data)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrListNotFound
	}
	return err
}

// arrayUpdate runs a conditional array update and tells a no-op on an
// existing list apart from a missing list.
func (p *PostgresListStore) arrayUpdate(ctx context.Context, listID, stmt, value string) (bool, error) {
	res, err := p.db.ExecContext(ctx, stmt, listID, value)
	if err != nil {
		return false, fmt.Errorf("update list %s: %w", listID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM broadcast_lists WHERE id = $1)`, listID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrListNotFound
	}
	return false, nil
}

func refStrings(s mapset.Set[EndpointRef]) []string {
	refs := SortedRefs(s)
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.String()
	}
	return out
}
