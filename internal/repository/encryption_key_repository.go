package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/jmoiron/sqlx"
)

const cleanupAuxiliariesQuery = `
	DELETE FROM cryptographer_auxiliary a
	WHERE NOT EXISTS (
		SELECT 1 FROM encryption_key k
		WHERE k.internal_auxiliary_id = a.id OR k.external_auxiliary_id = a.id
	)`

type EncryptionKeyRepository struct {
	db *sqlx.DB
}

func NewEncryptionKeyRepository(db *sqlx.DB) *EncryptionKeyRepository {
	return &EncryptionKeyRepository{db: db}
}

func insertAuxiliary(ctx context.Context, tx *sqlx.Tx, value string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `INSERT INTO cryptographer_auxiliary (value) VALUES ($1) RETURNING id`, value).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("error creating cryptographer auxiliary: %w", err)
	}
	return id, nil
}

// Save creates or replaces the key of key.SystemName together with its
// auxiliaries. Auxiliaries no longer referenced by any key are removed.
func (r *EncryptionKeyRepository) Save(ctx context.Context, key *models.EncryptionKeyWithAuxiliaries) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	key.InternalAuxiliaryID, err = insertAuxiliary(ctx, tx, key.InternalAuxiliary)
	if err != nil {
		return err
	}
	key.ExternalAuxiliaryID = nil
	if key.ExternalAuxiliary != nil {
		var externalID int64
		externalID, err = insertAuxiliary(ctx, tx, *key.ExternalAuxiliary)
		if err != nil {
			return err
		}
		key.ExternalAuxiliaryID = &externalID
	}

	query := `
		INSERT INTO encryption_key (
			system_name, encrypted_key, algorithm, internal_auxiliary_id, external_auxiliary_id
		) VALUES (
			$1, $2, $3, $4, $5
		)
		ON CONFLICT (system_name) DO UPDATE SET
			encrypted_key = EXCLUDED.encrypted_key,
			algorithm = EXCLUDED.algorithm,
			internal_auxiliary_id = EXCLUDED.internal_auxiliary_id,
			external_auxiliary_id = EXCLUDED.external_auxiliary_id,
			updated_at = now()
		RETURNING id, created_at, updated_at`

	err = tx.QueryRowContext(ctx, query,
		key.SystemName,
		key.EncryptedKey,
		key.Algorithm,
		key.InternalAuxiliaryID,
		key.ExternalAuxiliaryID,
	).Scan(&key.ID, &key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error saving encryption key: %w", err)
	}

	if _, err = tx.ExecContext(ctx, cleanupAuxiliariesQuery); err != nil {
		return fmt.Errorf("error cleaning up cryptographer auxiliaries: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("error committing encryption key: %w", err)
	}
	return nil
}

func (r *EncryptionKeyRepository) FindBySystemName(ctx context.Context, systemName string) (*models.EncryptionKeyWithAuxiliaries, error) {
	query := `
		SELECT k.id, k.system_name, k.encrypted_key, k.algorithm, k.internal_auxiliary_id, k.external_auxiliary_id,
			k.created_at, k.updated_at, ia.value AS internal_auxiliary, ea.value AS external_auxiliary
		FROM encryption_key k
		JOIN cryptographer_auxiliary ia ON ia.id = k.internal_auxiliary_id
		LEFT JOIN cryptographer_auxiliary ea ON ea.id = k.external_auxiliary_id
		WHERE k.system_name = $1`

	var key models.EncryptionKeyWithAuxiliaries
	err := r.db.GetContext(ctx, &key, query, systemName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting encryption key: %w", err)
	}
	return &key, nil
}

// DeleteBySystemName removes the key and its auxiliaries. It reports whether a
// key existed.
func (r *EncryptionKeyRepository) DeleteBySystemName(ctx context.Context, systemName string) (deleted bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("error starting transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, `DELETE FROM encryption_key WHERE system_name = $1`, systemName)
	if err != nil {
		return false, fmt.Errorf("error deleting encryption key: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %w", err)
	}

	if _, err = tx.ExecContext(ctx, cleanupAuxiliariesQuery); err != nil {
		return false, fmt.Errorf("error cleaning up cryptographer auxiliaries: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("error committing encryption key deletion: %w", err)
	}
	return rows > 0, nil
}
