package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserRecord stores one registered identity.
type UserRecord struct {
	CreatedAt time.Time
	Username  string
	ID        uuid.UUID
}

// CredentialRecord stores one registered WebAuthn credential.
type CredentialRecord struct {
	CreatedAt      time.Time
	LastUsedAt     sql.NullTime
	Transports     string
	UserAgentShort string
	CredentialID   []byte
	PublicKey      []byte
	AAGUID         []byte
	ID             int64
	UserID         uuid.UUID
	SignCount      uint32
	BackupEligible bool
	BackupState    bool
}

var (
	// ErrUsernameTaken indicates the username uniqueness constraint rejected an insert.
	ErrUsernameTaken            = errors.New("username already taken")
	errInvalidCredentialCounter = errors.New("invalid credential sign count")
)

// UsernameExists reports whether an identity with the given username is registered.
func UsernameExists(ctx context.Context, db *sql.DB, username string) (bool, error) {
	ctx = contextOrBackground(ctx)

	var count int

	err := db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM users WHERE username = ?`,
		username,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check username %q: %w", username, err)
	}

	return count > 0, nil
}

// CreateUserWithCredential inserts an identity and its first credential in one
// transaction. The username uniqueness constraint is the race arbiter: a
// concurrent registration under the same name fails with ErrUsernameTaken at
// commit, regardless of any earlier availability check.
func CreateUserWithCredential(ctx context.Context, db *sql.DB, user *UserRecord, credential *CredentialRecord) error {
	ctx = contextOrBackground(ctx)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create user transaction: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)`,
		user.ID[:],
		user.Username,
		user.CreatedAt,
	)
	if err != nil {
		rollbackTx(tx)

		if isUsernameConflict(err) {
			return ErrUsernameTaken
		}

		return fmt.Errorf("insert user %q: %w", user.Username, err)
	}

	err = insertCredentialTx(ctx, tx, credential)
	if err != nil {
		rollbackTx(tx)

		return err
	}

	err = tx.Commit()
	if err != nil {
		if isUsernameConflict(err) {
			return ErrUsernameTaken
		}

		return fmt.Errorf("commit create user transaction: %w", err)
	}

	return nil
}

// InsertCredential appends an additional credential to an existing identity.
func InsertCredential(ctx context.Context, db *sql.DB, credential *CredentialRecord) error {
	ctx = contextOrBackground(ctx)

	_, err := db.ExecContext(ctx, insertCredentialSQL, insertCredentialArgs(credential)...)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	return nil
}

const insertCredentialSQL = `
INSERT INTO credentials
(
	user_id, credential_id, public_key, sign_count, aaguid,
	backup_eligible, backup_state, transports, user_agent_short, created_at, last_used_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func insertCredentialArgs(credential *CredentialRecord) []any {
	return []any{
		credential.UserID[:],
		credential.CredentialID,
		credential.PublicKey,
		credential.SignCount,
		credential.AAGUID,
		credential.BackupEligible,
		credential.BackupState,
		credential.Transports,
		credential.UserAgentShort,
		credential.CreatedAt,
		nullTimeToValue(credential.LastUsedAt),
	}
}

func insertCredentialTx(ctx context.Context, tx *sql.Tx, credential *CredentialRecord) error {
	_, err := tx.ExecContext(ctx, insertCredentialSQL, insertCredentialArgs(credential)...)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	return nil
}

func isUsernameConflict(err error) bool {
	if err == nil {
		return false
	}

	return strings.Contains(err.Error(), "UNIQUE constraint failed: users.username")
}

// GetUserByID looks up an identity by its unique id.
func GetUserByID(ctx context.Context, db *sql.DB, userID uuid.UUID) (UserRecord, error) {
	ctx = contextOrBackground(ctx)

	var (
		user  UserRecord
		rawID []byte
	)

	err := db.QueryRowContext(
		ctx,
		`SELECT id, username, created_at FROM users WHERE id = ?`,
		userID[:],
	).Scan(&rawID, &user.Username, &user.CreatedAt)
	if err != nil {
		return UserRecord{}, fmt.Errorf("load user %s: %w", userID, err)
	}

	user.ID, err = uuid.FromBytes(rawID)
	if err != nil {
		return UserRecord{}, fmt.Errorf("decode user id: %w", err)
	}

	return user, nil
}

// ListCredentialsByUser lists all credentials registered for an identity.
func ListCredentialsByUser(ctx context.Context, db *sql.DB, userID uuid.UUID) ([]CredentialRecord, error) {
	ctx = contextOrBackground(ctx)

	rows, err := db.QueryContext(ctx, `
	SELECT
		id, user_id, credential_id, public_key, sign_count, aaguid,
		backup_eligible, backup_state, transports, user_agent_short, created_at, last_used_at
	FROM credentials
	WHERE user_id = ?
	ORDER BY id ASC
	`, userID[:])
	if err != nil {
		return nil, fmt.Errorf("list credentials for user %s: %w", userID, err)
	}

	defer func() {
		closeRows(rows)
	}()

	credentials := make([]CredentialRecord, 0)

	for rows.Next() {
		credential, scanErr := scanCredentialRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		credentials = append(credentials, *credential)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("iterate credential rows: %w", rowsErr)
	}

	return credentials, nil
}

// GetCredential loads a credential by (identity, credential id). A miss for a
// missing identity is indistinguishable from a miss for a missing credential.
func GetCredential(ctx context.Context, db *sql.DB, userID uuid.UUID, credentialID []byte) (CredentialRecord, error) {
	ctx = contextOrBackground(ctx)

	row := db.QueryRowContext(ctx, `
	SELECT
		id, user_id, credential_id, public_key, sign_count, aaguid,
		backup_eligible, backup_state, transports, user_agent_short, created_at, last_used_at
	FROM credentials
	WHERE user_id = ? AND credential_id = ?
	`, userID[:], credentialID)

	credential, err := scanCredentialRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CredentialRecord{}, sql.ErrNoRows
		}

		return CredentialRecord{}, err
	}

	return *credential, nil
}

// UpdateCredentialCounters updates the sign counter, backup flags, and
// last-used timestamp of one credential. No other column is touched.
func UpdateCredentialCounters(
	ctx context.Context,
	db *sql.DB,
	userID uuid.UUID,
	credentialID []byte,
	signCount uint32,
	backupState bool,
	backupEligible bool,
	lastUsedAt time.Time,
) error {
	ctx = contextOrBackground(ctx)

	_, err := db.ExecContext(
		ctx,
		`UPDATE credentials
SET sign_count = ?, backup_state = ?, backup_eligible = ?, last_used_at = ?
WHERE user_id = ? AND credential_id = ?`,
		signCount,
		backupState,
		backupEligible,
		lastUsedAt,
		userID[:],
		credentialID,
	)
	if err != nil {
		return fmt.Errorf("update credential counters: %w", err)
	}

	return nil
}

func scanCredentialRow(scanner interface {
	Scan(dest ...any) error
},
) (*CredentialRecord, error) {
	record := new(CredentialRecord)

	var (
		rawUserID []byte
		signCount int64
	)

	err := scanner.Scan(
		&record.ID,
		&rawUserID,
		&record.CredentialID,
		&record.PublicKey,
		&signCount,
		&record.AAGUID,
		&record.BackupEligible,
		&record.BackupState,
		&record.Transports,
		&record.UserAgentShort,
		&record.CreatedAt,
		&record.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}

		return nil, fmt.Errorf("scan credential row: %w", err)
	}

	record.UserID, err = uuid.FromBytes(rawUserID)
	if err != nil {
		return nil, fmt.Errorf("decode credential user id: %w", err)
	}

	record.SignCount, err = safeSignCountUint32(signCount)
	if err != nil {
		return nil, err
	}

	return record, nil
}

func safeSignCountUint32(value int64) (uint32, error) {
	if value < 0 || value > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d", errInvalidCredentialCounter, value)
	}

	return uint32(value), nil
}
