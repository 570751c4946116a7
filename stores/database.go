package stores

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSecretsNotFound is returned when no machine secrets have been seeded
// for the requested computer.
var ErrSecretsNotFound = errors.New("machine secrets not found")

// Database represents a PostgreSQL-backed store.
type Database struct {
	pool *pgxpool.Pool
}

// Close closes the underlying database connection.
func (db *Database) Close() {
	db.pool.Close()
}

// NewStore returns an initialized Database instance.
func NewStore(ctx context.Context, dc DatabaseConfig) (*Database, error) {
	pool, err := pgxpool.New(ctx, dc.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	} else if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Printf("Connected to SQL database %s, %s:%d\n", dc.Database, dc.Host, dc.Port)
	return &Database{pool}, nil
}

func (db *Database) txn(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// GetMachineSecrets retrieves the machine secrets for the given computer.
func (db *Database) GetMachineSecrets(ctx context.Context, computerName string) (ms MachineSecrets, err error) {
	err = db.txn(ctx, func(tx pgx.Tx) error {
		const query = `
			SELECT domain, realm, domain_guid, password, previous_password, channel_type, last_changed_at
			FROM machine_secrets
			WHERE computer_name = $1
		`
		var guid string
		err := tx.QueryRow(ctx, query, computerName).Scan(&ms.Domain, &ms.Realm, &guid, &ms.Password, &ms.PreviousPassword, &ms.SecureChannelType, &ms.LastChangedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSecretsNotFound
		} else if err != nil {
			return fmt.Errorf("failed to retrieve machine secrets: %w", err)
		}
		ms.ComputerName = computerName
		ms.DomainGUID, err = uuid.Parse(guid)
		if err != nil {
			return fmt.Errorf("failed to parse domain GUID: %w", err)
		}
		return nil
	})
	return
}

// PutMachineSecrets stores the machine secrets in the database.
func (db *Database) PutMachineSecrets(ctx context.Context, ms MachineSecrets) error {
	return db.txn(ctx, func(tx pgx.Tx) error {
		const query = `
			INSERT INTO machine_secrets (computer_name, domain, realm, domain_guid, password, previous_password, channel_type, last_changed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (computer_name) DO UPDATE
			SET domain = EXCLUDED.domain,
				realm = EXCLUDED.realm,
				domain_guid = EXCLUDED.domain_guid,
				password = EXCLUDED.password,
				previous_password = EXCLUDED.previous_password,
				channel_type = EXCLUDED.channel_type,
				last_changed_at = EXCLUDED.last_changed_at
		`
		_, err := tx.Exec(ctx, query, ms.ComputerName, ms.Domain, ms.Realm, ms.DomainGUID.String(), ms.Password, ms.PreviousPassword, ms.SecureChannelType, ms.LastChangedAt)
		if err != nil {
			return fmt.Errorf("failed to update machine secrets: %w", err)
		}
		return nil
	})
}

// GetAccounts retrieves all user accounts.
func (db *Database) GetAccounts(ctx context.Context) (accounts []Account, err error) {
	err = db.txn(ctx, func(tx pgx.Tx) error {
		const query = `
			SELECT username, full_name, password
			FROM accounts
		`
		rows, err := tx.Query(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to query accounts: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var acc Account
			if err := rows.Scan(&acc.Username, &acc.FullName, &acc.Password); err != nil {
				return fmt.Errorf("failed to scan account: %w", err)
			}
			accounts = append(accounts, acc)
		}
		return rows.Err()
	})
	return
}

