// Package mockdata generates the demo bank database used to try the agent
// against SQLite or PostgreSQL.
package mockdata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/richinex/querypilot/sqlexec"
	"github.com/rs/zerolog/log"
)

// DefaultCustomers is the number of rows seeded when none is given.
const DefaultCustomers = 100

// AccountTypes lists the values of customers.account_type.
var AccountTypes = []string{"Savings", "Checking", "Investment"}

// Customer is one row of the customers table.
type Customer struct {
	FirstName   string
	LastName    string
	Email       string
	PhoneNumber string
	Address     string
	DateOfBirth time.Time
	AccountType string
	Balance     float64
}

// Generate returns n customers with unique emails. The same non-zero seed
// always yields the same names and emails; seed 0 is random.
func Generate(n int, seed uint64) []Customer {
	f := gofakeit.New(seed)
	now := time.Now().UTC()
	oldest := now.AddDate(-90, 0, 0)
	youngest := now.AddDate(-18, 0, 0)

	seen := make(map[string]bool, n)
	customers := make([]Customer, 0, n)
	for len(customers) < n {
		email := f.Email()
		if seen[email] {
			continue
		}
		seen[email] = true

		customers = append(customers, Customer{
			FirstName:   f.FirstName(),
			LastName:    f.LastName(),
			Email:       email,
			PhoneNumber: f.Phone(),
			Address:     fmt.Sprintf("%s, %s, %s %s", f.Street(), f.City(), f.StateAbr(), f.Zip()),
			DateOfBirth: f.DateRange(oldest, youngest),
			AccountType: f.RandomString(AccountTypes),
			Balance:     f.Price(50, 50000),
		})
	}
	return customers
}

type dialect struct {
	createTable string
	insert      string
}

var dialects = map[sqlexec.Kind]dialect{
	sqlexec.KindSQLite: {
		createTable: `CREATE TABLE IF NOT EXISTS customers (
			customer_id INTEGER PRIMARY KEY AUTOINCREMENT,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			phone_number TEXT,
			address TEXT,
			date_of_birth TEXT NOT NULL,
			account_type TEXT NOT NULL,
			balance REAL NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		insert: `INSERT OR IGNORE INTO customers (
			first_name, last_name, email, phone_number, address,
			date_of_birth, account_type, balance
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	},
	sqlexec.KindPostgres: {
		createTable: `CREATE TABLE IF NOT EXISTS customers (
			customer_id SERIAL PRIMARY KEY,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			phone_number TEXT,
			address TEXT,
			date_of_birth DATE NOT NULL,
			account_type TEXT NOT NULL,
			balance DECIMAL(12, 2) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		insert: `INSERT INTO customers (
			first_name, last_name, email, phone_number, address,
			date_of_birth, account_type, balance
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (email) DO NOTHING`,
	},
}

// Seed creates the customers table in the database described by d and
// inserts customers in one transaction. Rows whose email already exists
// are skipped. It returns the number of inserted rows.
func Seed(ctx context.Context, d sqlexec.Descriptor, customers []Customer) (int, error) {
	dl, ok := dialects[d.Kind]
	if !ok {
		return 0, fmt.Errorf("seeding is not supported for %s", d.Kind)
	}

	db, err := sqlexec.Open(d)
	if err != nil {
		return 0, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	return seed(ctx, db, dl, customers)
}

func seed(ctx context.Context, db *sql.DB, dl dialect, customers []Customer) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, dl.createTable); err != nil {
		return 0, fmt.Errorf("failed to create customers table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, dl.insert)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range customers {
		res, err := stmt.ExecContext(ctx,
			c.FirstName, c.LastName, c.Email, c.PhoneNumber, c.Address,
			c.DateOfBirth.Format("2006-01-02"), c.AccountType, c.Balance,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert customer %s: %w", c.Email, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	log.Info().Int("inserted", inserted).Int("generated", len(customers)).Msg("Seeded customers table")
	return inserted, nil
}

// Describe summarises customers for the CLI.
func Describe(customers []Customer) string {
	counts := make(map[string]int, len(AccountTypes))
	for _, c := range customers {
		counts[c.AccountType]++
	}
	parts := make([]string, 0, len(AccountTypes))
	for _, t := range AccountTypes {
		parts = append(parts, fmt.Sprintf("%s=%d", t, counts[t]))
	}
	return fmt.Sprintf("%d customers (%s)", len(customers), strings.Join(parts, ", "))
}
