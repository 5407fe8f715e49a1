// Package pgauth authenticates users against a PostgreSQL database and
// serves their connections, groups and history from it.
package pgauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"deskgate/internal/activity"
	"deskgate/internal/auth"
)

const ProviderID = "postgres"

const queryTimeout = 10 * time.Second

type Provider struct {
	db  *sql.DB
	log *logrus.Logger
}

// New connects to the database, runs pending schema migrations and returns
// the provider.
func New(dsn string, log *logrus.Logger) (*Provider, error) {
	if err := RunMigrations(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Provider{db: db, log: log}, nil
}

func (p *Provider) Identifier() string { return ProviderID }

func (p *Provider) Authenticate(creds *auth.Credentials) (*auth.AuthenticatedUser, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var passwordHash string
	err := p.db.QueryRowContext(ctx,
		`SELECT password_hash FROM gateway_users WHERE username = $1`,
		creds.Username).Scan(&passwordHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(creds.Password)); err != nil {
		return nil, auth.ErrInvalidCredentials
	}

	return &auth.AuthenticatedUser{
		Identifier:  creds.Username,
		ProviderID:  ProviderID,
		Credentials: creds,
	}, nil
}

// UserContext loads the resources granted to the principal. The snapshot
// is taken at authentication time; re-authentication refreshes it.
func (p *Provider) UserContext(user *auth.AuthenticatedUser) (auth.UserContext, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM gateway_users WHERE username = $1)`,
		user.Identifier).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	if !exists {
		return nil, nil
	}

	connections, err := p.loadConnections(ctx, user.Identifier)
	if err != nil {
		return nil, err
	}
	users, err := p.loadUsers(ctx)
	if err != nil {
		return nil, err
	}
	groups, err := p.loadGroups(ctx, user.Identifier)
	if err != nil {
		return nil, err
	}

	return &pgContext{
		provider:    p,
		self:        &auth.User{Identifier: user.Identifier},
		connections: connections,
		users:       users,
		groups:      groups,
	}, nil
}

func (p *Provider) UpdateAuthenticatedUser(existing *auth.AuthenticatedUser, creds *auth.Credentials) (*auth.AuthenticatedUser, error) {
	if creds.Username != existing.Identifier {
		return nil, fmt.Errorf("username mismatch on re-authentication: %w", auth.ErrInvalidCredentials)
	}
	return p.Authenticate(creds)
}

func (p *Provider) UpdateUserContext(_ auth.UserContext, user *auth.AuthenticatedUser, _ *auth.Credentials) (auth.UserContext, error) {
	return p.UserContext(user)
}

func (p *Provider) Shutdown() error {
	return p.db.Close()
}

func (p *Provider) loadConnections(ctx context.Context, username string) (map[string]*auth.Connection, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.protocol, c.hostname, c.port, c.params
		FROM gateway_connections c
		JOIN gateway_user_connections uc ON uc.connection_id = c.id
		WHERE uc.username = $1`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	connections := make(map[string]*auth.Connection)
	for rows.Next() {
		var conn auth.Connection
		var params []byte
		if err := rows.Scan(&conn.Identifier, &conn.Name, &conn.Protocol, &conn.Hostname, &conn.Port, &params); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &conn.Params); err != nil {
				p.log.WithError(err).WithField("connection", conn.Identifier).Warn("Invalid connection params, ignoring")
			}
		}
		connections[conn.Identifier] = &conn
	}
	return connections, rows.Err()
}

func (p *Provider) loadUsers(ctx context.Context) (map[string]*auth.User, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT username, full_name FROM gateway_users`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := make(map[string]*auth.User)
	for rows.Next() {
		var user auth.User
		var fullName sql.NullString
		if err := rows.Scan(&user.Identifier, &fullName); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		user.FullName = fullName.String
		users[user.Identifier] = &user
	}
	return users, rows.Err()
}

func (p *Provider) loadGroups(ctx context.Context, username string) (map[string]*auth.Group, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT g.id, g.name, COALESCE(array_to_json(array_agg(gc.connection_id)), '[]')
		FROM gateway_groups g
		LEFT JOIN gateway_group_connections gc ON gc.group_id = g.id
		JOIN gateway_user_connections uc ON uc.connection_id = gc.connection_id
		WHERE uc.username = $1
		GROUP BY g.id, g.name`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	groups := make(map[string]*auth.Group)
	for rows.Next() {
		var group auth.Group
		var connIDs []byte
		if err := rows.Scan(&group.Identifier, &group.Name, &connIDs); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		if err := json.Unmarshal(connIDs, &group.ConnectionIDs); err != nil {
			return nil, fmt.Errorf("failed to decode group members: %w", err)
		}
		groups[group.Identifier] = &group
	}
	return groups, rows.Err()
}

func (p *Provider) loadHistory(username string) []*activity.Record {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, username, connection_id, remote_host, start_time, end_time
		FROM gateway_history
		WHERE username = $1
		ORDER BY start_time DESC
		LIMIT 1000`, username)
	if err != nil {
		p.log.WithError(err).Warn("Failed to query history")
		return nil
	}
	defer rows.Close()

	var records []*activity.Record
	for rows.Next() {
		var record activity.Record
		var end sql.NullTime
		if err := rows.Scan(&record.ID, &record.Username, &record.ConnectionID, &record.RemoteHost, &record.StartTime, &end); err != nil {
			p.log.WithError(err).Warn("Failed to scan history record")
			continue
		}
		if end.Valid {
			record.EndTime = end.Time
		}
		records = append(records, &record)
	}
	return records
}

type pgContext struct {
	provider    *Provider
	self        *auth.User
	connections map[string]*auth.Connection
	users       map[string]*auth.User
	groups      map[string]*auth.Group

	invalidated atomic.Bool
}

func (c *pgContext) Self() *auth.User { return c.self }

func (c *pgContext) Valid() bool { return !c.invalidated.Load() }

func (c *pgContext) Invalidate() error {
	c.invalidated.Store(true)
	return nil
}

func (c *pgContext) Connections() map[string]*auth.Connection { return c.connections }

func (c *pgContext) Users() map[string]*auth.User { return c.users }

func (c *pgContext) Groups() map[string]*auth.Group { return c.groups }

func (c *pgContext) History() []*activity.Record {
	return c.provider.loadHistory(c.self.Identifier)
}
