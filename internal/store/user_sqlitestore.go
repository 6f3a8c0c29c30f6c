package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/louhela/crateci/internal/util"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type UserSQLiteStore struct {
	rdb  *sql.DB
	rwdb *sql.DB
}

func NewUserSQLiteStore(rdb, rwdb *sql.DB) *UserSQLiteStore {
	return &UserSQLiteStore{rdb, rwdb}
}

// insertUser is the single insert path for accounts. changedOn nil
// forces a password change on first login.
func (store *UserSQLiteStore) insertUser(
	ctx context.Context,
	role Role,
	username, passwordHash string,
	changedOn *time.Time,
) (*User, error) {
	user := &User{
		UserRoleID:        role,
		Username:          username,
		PasswordHash:      passwordHash,
		PasswordChangedOn: changedOn,
	}
	query := `insert into users (
		user_role_id,
		username,
		password_hash,
		password_changed_on
	)
	values ($1, $2, $3, $4)
	returning user_id`
	err := sqlscan.Get(
		ctx, store.rwdb, user, query,
		user.UserRoleID,
		user.Username,
		user.PasswordHash,
		user.PasswordChangedOn,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (store *UserSQLiteStore) CreateUser(
	ctx context.Context,
	role Role,
	username string,
	passwordHash string,
) (*User, error) {
	return store.insertUser(ctx, role, username, passwordHash, nil)
}

// CreateSuperuser skips the forced password change; the password was
// just typed on the controller's terminal.
func (store *UserSQLiteStore) CreateSuperuser(
	ctx context.Context,
	username string,
	passwordHash string,
) (*User, error) {
	return store.insertUser(
		ctx, Superuser, username, passwordHash, util.AsPtr(time.Now().UTC()),
	)
}

func (store *UserSQLiteStore) ReadUserByID(ctx context.Context, userID int64) (*User, error) {
	user := new(User)
	query := `select
		user_id,
		user_role_id,
		username,
		password_hash,
		password_changed_on
	from users
	where user_id = $1`
	if err := sqlscan.Get(ctx, store.rdb, user, query, userID); err != nil {
		return nil, err
	}
	return user, nil
}

func (store *UserSQLiteStore) ReadUserByUsername(
	ctx context.Context,
	username string,
) (*User, error) {
	user := new(User)
	query := `select
		user_id,
		user_role_id,
		username,
		password_hash,
		password_changed_on
	from users
	where username = $1`
	if err := sqlscan.Get(ctx, store.rdb, user, query, username); err != nil {
		return nil, err
	}
	return user, nil
}

// ReadUserBySessionID resolves a session cookie to its account. The
// session ID is the sessions table's primary key, so at most one row
// matches; expiry is enforced by the caller against session_expires.
func (store *UserSQLiteStore) ReadUserBySessionID(
	ctx context.Context,
	sessionID string,
) (*User, error) {
	user := new(User)
	query := `select
		u.user_id,
		u.user_role_id,
		u.username,
		u.password_hash,
		u.password_changed_on,
		s.auth_session_expires as session_expires
	from auth_sessions s
	inner join users u on u.user_id = s.auth_session_user_id
	where s.auth_session_id = $1`
	if err := sqlscan.Get(ctx, store.rdb, user, query, sessionID); err != nil {
		return nil, err
	}
	return user, nil
}

func (store *UserSQLiteStore) DeleteUser(ctx context.Context, userID int64) error {
	_, err := store.rwdb.ExecContext(ctx, "delete from users where user_id = $1", userID)
	return err
}

func (store *UserSQLiteStore) UpdateUserRole(
	ctx context.Context,
	userID int64,
	role Role,
) error {
	query := "update users set user_role_id = $1 where user_id = $2"
	_, err := store.rwdb.ExecContext(ctx, query, role, userID)
	return err
}

func (store *UserSQLiteStore) UpdateUserPassword(
	ctx context.Context,
	userID int64,
	passwordHash string,
	changedOn *time.Time,
) error {
	query := `update users
	set password_hash = $1,
		password_changed_on = $2
	where user_id = $3`
	_, err := store.rwdb.ExecContext(ctx, query, passwordHash, changedOn, userID)
	return err
}

func (store *UserSQLiteStore) CreateAuthSession(
	ctx context.Context,
	authSessionID string,
	userID int64,
	expires time.Time,
) (*AuthSession, error) {
	as := &AuthSession{
		AuthSessionID:      authSessionID,
		AuthSessionUserID:  userID,
		AuthSessionExpires: expires,
	}
	query := `insert into auth_sessions (
		auth_session_id,
		auth_session_user_id,
		auth_session_expires
	)
	values ($1, $2, $3)`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		as.AuthSessionID,
		as.AuthSessionUserID,
		as.AuthSessionExpires,
	)
	if err != nil {
		return nil, err
	}
	return as, nil
}

func (store *UserSQLiteStore) DeleteAuthSessionsByUserID(ctx context.Context, userID int64) error {
	_, err := store.rwdb.ExecContext(
		ctx,
		"delete from auth_sessions where auth_session_user_id = $1",
		userID,
	)
	return err
}

// DeleteExpiredAuthSessions removes sessions that can no longer
// authenticate anyone; the daily cleanup job calls it.
func (store *UserSQLiteStore) DeleteExpiredAuthSessions(ctx context.Context) error {
	_, err := store.rwdb.ExecContext(
		ctx,
		"delete from auth_sessions where auth_session_expires < $1",
		time.Now().UTC(),
	)
	return err
}

func (store *UserSQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	users := make([]*User, 0)
	query := `select
		user_id,
		user_role_id,
		username,
		password_hash,
		password_changed_on
	from users
	order by username`
	err := sqlscan.Select(ctx, store.rdb, &users, query)
	return users, err
}

func (store *UserSQLiteStore) ListSuperusers(ctx context.Context) ([]User, error) {
	users := make([]User, 0)
	query := `select
		user_id,
		user_role_id,
		username,
		password_hash,
		password_changed_on
	from users
	where user_role_id = $1`
	err := sqlscan.Select(ctx, store.rdb, &users, query, Superuser)
	return users, err
}
