package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrProfileNotFound = errors.New("profile not found")

// ProfileRepo backs the Profile Store collaborator: fetch-by-id only, the
// exchange core never writes profiles.
type ProfileRepo struct {
	pool *pgxpool.Pool
}

type ContactFacet struct {
	Email   string
	Phone   string
	Company string
	Title   string
	Links   []string
}

type ProfileRecord struct {
	UserID                string
	DisplayName           string
	Headline              string
	AvatarKey             string
	AllowAnonymousPreview bool
	Personal              ContactFacet
	Work                  ContactFacet
}

func NewProfileRepo(pool *pgxpool.Pool) *ProfileRepo {
	return &ProfileRepo{pool: pool}
}

func (r *ProfileRepo) GetByUserID(ctx context.Context, userID string) (ProfileRecord, error) {
	if r.pool == nil {
		return ProfileRecord{}, fmt.Errorf("profile store is not configured")
	}
	if userID == "" {
		return ProfileRecord{}, ErrProfileNotFound
	}

	const query = `
SELECT
	display_name,
	COALESCE(headline, ''),
	COALESCE(avatar_key, ''),
	allow_anonymous_preview,
	COALESCE(personal_email, ''),
	COALESCE(personal_phone, ''),
	COALESCE(personal_links, '{}'),
	COALESCE(work_email, ''),
	COALESCE(work_phone, ''),
	COALESCE(work_company, ''),
	COALESCE(work_title, ''),
	COALESCE(work_links, '{}')
FROM profiles
WHERE user_id = $1
`

	rec := ProfileRecord{UserID: userID}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&rec.DisplayName,
		&rec.Headline,
		&rec.AvatarKey,
		&rec.AllowAnonymousPreview,
		&rec.Personal.Email,
		&rec.Personal.Phone,
		&rec.Personal.Links,
		&rec.Work.Email,
		&rec.Work.Phone,
		&rec.Work.Company,
		&rec.Work.Title,
		&rec.Work.Links,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProfileRecord{}, ErrProfileNotFound
	}
	if err != nil {
		return ProfileRecord{}, fmt.Errorf("fetch profile by user id: %w", err)
	}

	return rec, nil
}
