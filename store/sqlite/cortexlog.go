package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	arbor "github.com/okvist/arbor"
)

// CortexLog implements arbor.CortexLogger: fire-and-forget persistence
// of cortex loop actions.
type CortexLog struct {
	s *Store
}

var _ arbor.CortexLogger = (*CortexLog)(nil)

// NewCortexLog creates the cortex-event facade over a Store.
func NewCortexLog(s *Store) *CortexLog {
	return &CortexLog{s: s}
}

// Log persists a cortex action. Fire-and-forget.
func (l *CortexLog) Log(eventType, summary string, details map[string]any) {
	id := arbor.NewID()
	now := unixMS(time.Now().UTC())
	var detailsJSON any
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			detailsJSON = string(data)
		}
	}
	l.s.spawn("log cortex event", func(ctx context.Context) error {
		_, err := l.s.db.ExecContext(ctx,
			`INSERT INTO cortex_events (id, event_type, summary, details, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, eventType, summary, detailsJSON, now)
		return err
	})
}

// LoadEvents returns cortex events, newest first, optionally filtered by
// type.
func (l *CortexLog) LoadEvents(ctx context.Context, limit, offset int, eventType string) ([]arbor.CortexEvent, error) {
	query := `SELECT id, event_type, summary, details, created_at FROM cortex_events`
	var args []any
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := l.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load cortex events: %w", err)
	}
	defer rows.Close()

	var events []arbor.CortexEvent
	for rows.Next() {
		var e arbor.CortexEvent
		var details sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.EventType, &e.Summary, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan cortex event: %w", err)
		}
		if details.Valid {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		e.CreatedAt = fromUnixMS(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEvents counts cortex events, optionally filtered by type.
func (l *CortexLog) CountEvents(ctx context.Context, eventType string) (int64, error) {
	query := `SELECT COUNT(*) FROM cortex_events`
	var args []any
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	var count int64
	if err := l.s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count cortex events: %w", err)
	}
	return count, nil
}

// ProfileStore implements arbor.ProfileStore.
type ProfileStore struct {
	s *Store
}

var _ arbor.ProfileStore = (*ProfileStore)(nil)

// NewProfileStore creates the profile facade over a Store.
func NewProfileStore(s *Store) *ProfileStore {
	return &ProfileStore{s: s}
}

// UpsertProfile inserts or refreshes an agent's profile card.
func (p *ProfileStore) UpsertProfile(ctx context.Context, profile arbor.AgentProfile) error {
	_, err := p.s.db.ExecContext(ctx,
		`INSERT INTO agent_profile (agent_id, display_name, status, bio, avatar_seed, generated_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
		   display_name = excluded.display_name,
		   status = excluded.status,
		   bio = excluded.bio,
		   avatar_seed = excluded.avatar_seed,
		   updated_at = excluded.updated_at`,
		profile.AgentID, nullable(profile.DisplayName), nullable(profile.Status),
		nullable(profile.Bio), nullable(profile.AvatarSeed),
		unixMS(profile.GeneratedAt), unixMS(profile.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", profile.AgentID, err)
	}
	return nil
}

// LoadProfile returns the current profile for an agent, if any.
func (p *ProfileStore) LoadProfile(ctx context.Context, agentID arbor.AgentID) (arbor.AgentProfile, bool, error) {
	row := p.s.db.QueryRowContext(ctx,
		`SELECT agent_id, display_name, status, bio, avatar_seed, generated_at, updated_at
		 FROM agent_profile WHERE agent_id = ?`, agentID)

	var profile arbor.AgentProfile
	var displayName, status, bio, avatarSeed sql.NullString
	var generatedAt, updatedAt int64
	err := row.Scan(&profile.AgentID, &displayName, &status, &bio, &avatarSeed, &generatedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return arbor.AgentProfile{}, false, nil
	}
	if err != nil {
		return arbor.AgentProfile{}, false, fmt.Errorf("load profile %s: %w", agentID, err)
	}
	profile.DisplayName = displayName.String
	profile.Status = status.String
	profile.Bio = bio.String
	profile.AvatarSeed = avatarSeed.String
	profile.GeneratedAt = fromUnixMS(generatedAt)
	profile.UpdatedAt = fromUnixMS(updatedAt)
	return profile, true, nil
}
