package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chanvault/chanvault/internal/platform"
)

// ErrChannelNotFound indicates no channel exists for the given username.
var ErrChannelNotFound = errors.New("channel not found")

// ErrMediaNotFound indicates no media record exists for the given ID.
var ErrMediaNotFound = errors.New("media record not found")

// Store provides transactional channel and media persistence on Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func storageErr(op string, err error) error {
	return platform.E(platform.KindStorage, op, err)
}

// NormalizeUsername strips a leading @ and lowercases a channel username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
}

// AddChannel registers a channel, reactivating it when it already exists.
func (s *Store) AddChannel(ctx context.Context, username string) (Channel, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return Channel{}, platform.Errorf(platform.KindValidation, "catalog.add_channel", "username is required")
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO channels (username, active)
		VALUES ($1, TRUE)
		ON CONFLICT (username) DO UPDATE SET active = TRUE
		RETURNING id, username, active, last_message_id, created_at`,
		username,
	)
	var ch Channel
	if err := row.Scan(&ch.ID, &ch.Username, &ch.Active, &ch.Cursor, &ch.CreatedAt); err != nil {
		return Channel{}, storageErr("catalog.add_channel", err)
	}
	return ch, nil
}

// GetChannel returns the channel with the given username.
func (s *Store) GetChannel(ctx context.Context, username string) (Channel, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, active, last_message_id, created_at
		FROM channels WHERE username = $1`,
		NormalizeUsername(username),
	)
	var ch Channel
	if err := row.Scan(&ch.ID, &ch.Username, &ch.Active, &ch.Cursor, &ch.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Channel{}, ErrChannelNotFound
		}
		return Channel{}, storageErr("catalog.get_channel", err)
	}
	return ch, nil
}

// ListChannels returns channels, optionally only active ones.
func (s *Store) ListChannels(ctx context.Context, activeOnly bool) ([]Channel, error) {
	query := `SELECT id, username, active, last_message_id, created_at FROM channels ORDER BY username`
	if activeOnly {
		query = `SELECT id, username, active, last_message_id, created_at FROM channels WHERE active ORDER BY username`
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, storageErr("catalog.list_channels", err)
	}
	defer rows.Close()
	channels := make([]Channel, 0)
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.Username, &ch.Active, &ch.Cursor, &ch.CreatedAt); err != nil {
			return nil, storageErr("catalog.list_channels", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("catalog.list_channels", err)
	}
	return channels, nil
}

// ListActiveChannels returns only channels currently marked active.
func (s *Store) ListActiveChannels(ctx context.Context) ([]Channel, error) {
	return s.ListChannels(ctx, true)
}

// SetChannelActive flips a channel's active flag.
func (s *Store) SetChannelActive(ctx context.Context, username string, active bool) (Channel, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE channels SET active = $2
		WHERE username = $1
		RETURNING id, username, active, last_message_id, created_at`,
		NormalizeUsername(username), active,
	)
	var ch Channel
	if err := row.Scan(&ch.ID, &ch.Username, &ch.Active, &ch.Cursor, &ch.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Channel{}, ErrChannelNotFound
		}
		return Channel{}, storageErr("catalog.set_channel_active", err)
	}
	return ch, nil
}

// UpdateChannelCursor advances a channel's cursor. The cursor only moves
// forward; a stale writer cannot rewind it.
func (s *Store) UpdateChannelCursor(ctx context.Context, username string, cursor int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE channels SET last_message_id = GREATEST(last_message_id, $2)
		WHERE username = $1`,
		NormalizeUsername(username), cursor,
	)
	if err != nil {
		return storageErr("catalog.update_cursor", err)
	}
	return nil
}

// InsertPendingIfAbsent records a first sighting in pending state. The
// existence check and insert are one statement, so concurrent pulls racing on
// the same message resolve at the unique constraint: exactly one inserts,
// the rest observe inserted=false.
func (s *Store) InsertPendingIfAbsent(ctx context.Context, rec NewMediaRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO media_records (channel_username, message_id, file_name, media_kind, mime_type, size_bytes, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		ON CONFLICT (channel_username, message_id) DO NOTHING`,
		NormalizeUsername(rec.ChannelUsername), rec.MessageID, rec.FileName, rec.Kind.String(), rec.MimeType, rec.SizeBytes,
	)
	if err != nil {
		return false, storageErr("catalog.insert_pending", err)
	}
	return tag.RowsAffected() > 0, nil
}

const mediaColumns = `id, channel_username, message_id, file_name, media_kind, mime_type, size_bytes,
	status, COALESCE(storage_key, ''), COALESCE(failure_cause, ''), created_at, approved_at`

func scanMedia(row pgx.Row) (MediaRecord, error) {
	var rec MediaRecord
	err := row.Scan(
		&rec.ID, &rec.ChannelUsername, &rec.MessageID, &rec.FileName, &rec.Kind, &rec.MimeType,
		&rec.SizeBytes, &rec.State, &rec.StorageKey, &rec.FailureCause, &rec.CreatedAt, &rec.ApprovedAt,
	)
	return rec, err
}

// GetMedia returns the media record with the given ID.
func (s *Store) GetMedia(ctx context.Context, id int64) (MediaRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media_records WHERE id = $1`, id)
	rec, err := scanMedia(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MediaRecord{}, ErrMediaNotFound
		}
		return MediaRecord{}, storageErr("catalog.get_media", err)
	}
	return rec, nil
}

// ListMediaByIDs returns the records for the given IDs; missing IDs are
// simply absent from the result.
func (s *Store) ListMediaByIDs(ctx context.Context, ids []int64) ([]MediaRecord, error) {
	if len(ids) == 0 {
		return []MediaRecord{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+mediaColumns+` FROM media_records WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, storageErr("catalog.list_media_by_ids", err)
	}
	defer rows.Close()
	return collectMedia(rows)
}

// ListMedia returns records matching the filter, newest first.
func (s *Store) ListMedia(ctx context.Context, filter MediaFilter) ([]MediaRecord, error) {
	query := `SELECT ` + mediaColumns + ` FROM media_records WHERE TRUE`
	args := make([]any, 0, 4)
	if filter.Kind != "" {
		args = append(args, filter.Kind.String())
		query += fmt.Sprintf(" AND media_kind = $%d", len(args))
	}
	if filter.ApprovedOnly {
		query += " AND status = 'approved'"
	}
	if filter.PendingOnly {
		query += " AND status = 'pending'"
	}
	if filter.Channel != "" {
		args = append(args, NormalizeUsername(filter.Channel))
		query += fmt.Sprintf(" AND channel_username = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("catalog.list_media", err)
	}
	defer rows.Close()
	return collectMedia(rows)
}

// CountMedia counts records matching the filter (offset/limit ignored).
func (s *Store) CountMedia(ctx context.Context, filter MediaFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM media_records WHERE TRUE`
	args := make([]any, 0, 2)
	if filter.Kind != "" {
		args = append(args, filter.Kind.String())
		query += fmt.Sprintf(" AND media_kind = $%d", len(args))
	}
	if filter.ApprovedOnly {
		query += " AND status = 'approved'"
	}
	if filter.PendingOnly {
		query += " AND status = 'pending'"
	}
	if filter.Channel != "" {
		args = append(args, NormalizeUsername(filter.Channel))
		query += fmt.Sprintf(" AND channel_username = $%d", len(args))
	}
	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, storageErr("catalog.count_media", err)
	}
	return count, nil
}

// MarkApproved transitions a pending record to approved with its storage key,
// as one atomic statement. Returns false when the record was not pending, so
// a concurrent approval of the same record cannot double-apply.
func (s *Store) MarkApproved(ctx context.Context, id int64, storageKey string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE media_records
		SET status = 'approved', storage_key = $2, failure_cause = NULL, approved_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, storageKey,
	)
	if err != nil {
		return false, storageErr("catalog.mark_approved", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed transitions a pending record to failed with a cause. Used only
// for non-retriable failures; transient ones leave the record pending.
func (s *Store) MarkFailed(ctx context.Context, id int64, cause string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE media_records
		SET status = 'failed', failure_cause = $2
		WHERE id = $1 AND status = 'pending'`,
		id, cause,
	)
	if err != nil {
		return storageErr("catalog.mark_failed", err)
	}
	return nil
}

// Counts returns the catalog snapshot for diagnostics.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM channels),
			(SELECT COUNT(*) FROM channels WHERE active),
			(SELECT COUNT(*) FROM media_records),
			(SELECT COUNT(*) FROM media_records WHERE status = 'pending'),
			(SELECT COUNT(*) FROM media_records WHERE status = 'approved')`,
	).Scan(&c.TotalChannels, &c.ActiveChannels, &c.TotalMedia, &c.PendingMedia, &c.ApprovedMedia)
	if err != nil {
		return Counts{}, storageErr("catalog.counts", err)
	}
	return c, nil
}

func collectMedia(rows pgx.Rows) ([]MediaRecord, error) {
	records := make([]MediaRecord, 0)
	for rows.Next() {
		rec, err := scanMedia(rows)
		if err != nil {
			return nil, storageErr("catalog.scan_media", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("catalog.scan_media", err)
	}
	return records, nil
}
