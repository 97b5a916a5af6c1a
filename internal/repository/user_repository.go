package repository

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/Lookout84/toagro-backend-sub000/internal/model"
)

// UserRepositoryInterface is the recipient directory the dispatch
// pipeline reads from. It never writes.
type UserRepositoryInterface interface {
	FindByFilter(filter *model.RecipientFilter) ([]model.Recipient, error)
	GetDeviceTokens(userID string) ([]string, error)
}

type UserRepository struct {
	DB *sql.DB
}

// FindByFilter compiles the filter into a single SELECT. A nil filter
// falls back to the default policy: every verified user. All present
// predicate fields are AND-ed; date bounds are exclusive.
func (r *UserRepository) FindByFilter(filter *model.RecipientFilter) ([]model.Recipient, error) {
	query := `SELECT id, COALESCE(email, ''), COALESCE(name, ''), COALESCE(phone, '') FROM users WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if filter == nil {
		query += " AND is_verified = true"
	} else {
		if filter.Role != nil {
			query += fmt.Sprintf(" AND role=$%d", argPos)
			args = append(args, *filter.Role)
			argPos++
		}
		if filter.IsVerified != nil {
			query += fmt.Sprintf(" AND is_verified=$%d", argPos)
			args = append(args, *filter.IsVerified)
			argPos++
		}
		if filter.CreatedAfter != nil {
			query += fmt.Sprintf(" AND created_at > $%d", argPos)
			args = append(args, *filter.CreatedAfter)
			argPos++
		}
		if filter.CreatedBefore != nil {
			query += fmt.Sprintf(" AND created_at < $%d", argPos)
			args = append(args, *filter.CreatedBefore)
			argPos++
		}
		if filter.LastLoginAfter != nil {
			query += fmt.Sprintf(" AND last_login_at > $%d", argPos)
			args = append(args, *filter.LastLoginAfter)
			argPos++
		}
		if filter.LastLoginBefore != nil {
			query += fmt.Sprintf(" AND last_login_at < $%d", argPos)
			args = append(args, *filter.LastLoginBefore)
			argPos++
		}
		if filter.HasListings != nil {
			if *filter.HasListings {
				query += " AND EXISTS (SELECT 1 FROM listings l WHERE l.user_id = users.id)"
			} else {
				query += " AND NOT EXISTS (SELECT 1 FROM listings l WHERE l.user_id = users.id)"
			}
		}
		if len(filter.UserIDs) > 0 {
			// Allowlist still AND-ed with the rest, not a shortcut override.
			query += fmt.Sprintf(" AND id = ANY($%d)", argPos)
			args = append(args, pq.Array(filter.UserIDs))
			argPos++
		}
		if len(filter.CategoryIDs) > 0 {
			query += fmt.Sprintf(` AND EXISTS (
                SELECT 1 FROM user_category_interests uci
                WHERE uci.user_id = users.id AND uci.category_id = ANY($%d))`, argPos)
			args = append(args, pq.Array(filter.CategoryIDs))
			argPos++
		}
	}

	query += " ORDER BY id"

	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []model.Recipient{}
	for rows.Next() {
		var rec model.Recipient
		if err := rows.Scan(&rec.ID, &rec.Email, &rec.Name, &rec.Phone); err != nil {
			return nil, err
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

// GetDeviceTokens fetches the registered push tokens for one user.
func (r *UserRepository) GetDeviceTokens(userID string) ([]string, error) {
	query := `SELECT token FROM device_tokens WHERE user_id = $1`
	rows, err := r.DB.Query(query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

var _ UserRepositoryInterface = (*UserRepository)(nil)
