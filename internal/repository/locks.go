package repository

import (
	"context"

	"github.com/go-tick/jobstore/internal/model"
)

// InsertLock claims lock.LockType. It reports false without error when another
// holder already owns the row.
func (r *repository) InsertLock(ctx context.Context, lock model.Lock) (bool, error) {
	lock.InstanceName = r.instanceName
	_, err := r.db.NamedExecContext(ctx, r.named(`
		INSERT INTO {locks} (instance_name, lock_type, instance_id, token, acquired_at)
		VALUES (:instance_name, :lock_type, :instance_id, :token, :acquired_at)`), lock)
	if IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// DeleteLock releases lockType only if it is still held under token.
func (r *repository) DeleteLock(ctx context.Context, lockType, token string) (bool, error) {
	n, err := r.exec(ctx, `
		DELETE FROM {locks}
		WHERE instance_name = ? AND lock_type = ? AND token = ?`,
		r.instanceName, lockType, token)

	return n > 0, err
}

// DeleteExpiredLocks breaks holds on lockType taken before acquiredBefore.
func (r *repository) DeleteExpiredLocks(ctx context.Context, lockType string, acquiredBefore int64) (int64, error) {
	query := `
		DELETE FROM {locks}
		WHERE instance_name = ? AND acquired_at < ?`
	args := []any{r.instanceName, acquiredBefore}

	if lockType != "" {
		query += ` AND lock_type = ?`
		args = append(args, lockType)
	}

	return r.exec(ctx, query, args...)
}

func (r *repository) SelectLocks(ctx context.Context) ([]model.Lock, error) {
	var locks []model.Lock
	err := r.db.SelectContext(ctx, &locks, r.q(`
		SELECT instance_name, lock_type, instance_id, token, acquired_at FROM {locks}
		WHERE instance_name = ?
		ORDER BY lock_type`),
		r.instanceName)

	return locks, err
}
