package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chekodel/internal/models"
)

const profileColumns = `id, name, provider, inn, password, phone, access_token, refresh_token,
	cookie_blob, device_id, token_expires_at, is_authenticated, last_error, last_auth_at,
	created_at, updated_at, version`

func (db *DB) CreateProfile(ctx context.Context, profile *models.MyTaxProfile) error {
	query := `INSERT INTO mytax_profiles (
				name, provider, inn, password, phone, access_token, refresh_token,
				cookie_blob, device_id, token_expires_at, is_authenticated, last_error,
				last_auth_at, created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		profile.Name,
		profile.Provider,
		profile.INN,
		profile.Password,
		profile.Phone,
		profile.AccessToken,
		profile.RefreshToken,
		profile.CookieBlob,
		profile.DeviceID,
		profile.TokenExpiresAt,
		profile.IsAuthenticated,
		profile.LastError,
		profile.LastAuthAt,
		now,
		now,
		1,
	)
	if err != nil {
		return fmt.Errorf("failed to create mytax profile: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	profile.ID = id
	profile.CreatedAt = now
	profile.UpdatedAt = now
	profile.Version = 1

	return nil
}

func (db *DB) GetProfile(ctx context.Context, id int64) (*models.MyTaxProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM mytax_profiles WHERE id = ?`
	profile, err := scanProfile(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mytax profile: %w", err)
	}
	return profile, nil
}

func (db *DB) ListProfiles(ctx context.Context) ([]models.MyTaxProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM mytax_profiles ORDER BY id ASC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list mytax profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.MyTaxProfile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mytax profile: %w", err)
		}
		profiles = append(profiles, *profile)
	}
	return profiles, rows.Err()
}

// UpdateProfile перезаписывает учётные данные профиля с проверкой версии.
func (db *DB) UpdateProfile(ctx context.Context, profile *models.MyTaxProfile) error {
	query := `UPDATE mytax_profiles SET
				name = ?, provider = ?, inn = ?, password = ?, phone = ?,
				updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		profile.Name,
		profile.Provider,
		profile.INN,
		profile.Password,
		profile.Phone,
		now,
		profile.ID,
		profile.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update mytax profile: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	profile.UpdatedAt = now
	profile.Version++
	return nil
}

// UpdateProfileAuthState сохраняет токены и флаг авторизации с проверкой
// версии. Вызывается после логина, тихого обновления токена и при ошибках
// авторизации.
func (db *DB) UpdateProfileAuthState(ctx context.Context, profile *models.MyTaxProfile) error {
	query := `UPDATE mytax_profiles SET
				access_token = ?, refresh_token = ?, cookie_blob = ?, device_id = ?,
				token_expires_at = ?, is_authenticated = ?, last_error = ?, last_auth_at = ?,
				updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		profile.AccessToken,
		profile.RefreshToken,
		profile.CookieBlob,
		profile.DeviceID,
		profile.TokenExpiresAt,
		profile.IsAuthenticated,
		profile.LastError,
		profile.LastAuthAt,
		now,
		profile.ID,
		profile.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update mytax profile auth state: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	profile.UpdatedAt = now
	profile.Version++
	return nil
}

func (db *DB) DeleteProfile(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM mytax_profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mytax profile: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func scanProfile(row rowScanner) (*models.MyTaxProfile, error) {
	var profile models.MyTaxProfile
	err := row.Scan(
		&profile.ID, &profile.Name, &profile.Provider, &profile.INN, &profile.Password,
		&profile.Phone, &profile.AccessToken, &profile.RefreshToken, &profile.CookieBlob,
		&profile.DeviceID, &profile.TokenExpiresAt, &profile.IsAuthenticated,
		&profile.LastError, &profile.LastAuthAt, &profile.CreatedAt, &profile.UpdatedAt,
		&profile.Version,
	)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}
