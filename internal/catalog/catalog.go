// Package catalog reads the external account catalog that is the source of truth for ADR accounts.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SourceAccount is one account row as published by the billing catalog.
type SourceAccount struct {
	ExternalAccountID  string
	InterfaceAccountID *string
	VendorCode         string
	VendorName         string
	AccountNumber      string
	AccountName        string
	CredentialID       *int64
	PeriodType         string
	LastInvoiceDate    *time.Time
}

// Filter narrows a fetch. The zero value fetches every active account.
type Filter struct {
	VendorCode string
}

// IsZero reports whether the filter selects the full catalog.
func (f Filter) IsZero() bool {
	return f.VendorCode == ""
}

// Source reads accounts through a pgx connection pool.
type Source struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool to the catalog database
func Connect(ctx context.Context, databaseURL string) (*Source, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to catalog database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}

	return &Source{pool: pool}, nil
}

// Close closes the connection pool
func (s *Source) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// FetchAccounts returns the active catalog accounts matching filter.
func (s *Source) FetchAccounts(ctx context.Context, filter Filter) ([]SourceAccount, error) {
	query, args := buildQuery(filter)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog accounts: %w", err)
	}

	accounts, err := pgx.CollectRows(rows, scanAccount)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog accounts: %w", err)
	}
	return accounts, nil
}

func scanAccount(row pgx.CollectableRow) (SourceAccount, error) {
	var a SourceAccount
	err := row.Scan(
		&a.ExternalAccountID, &a.InterfaceAccountID, &a.VendorCode, &a.VendorName,
		&a.AccountNumber, &a.AccountName, &a.CredentialID, &a.PeriodType, &a.LastInvoiceDate,
	)
	return a, err
}

func buildQuery(filter Filter) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT external_account_id, interface_account_id, vendor_code, COALESCE(vendor_name, ''),
		account_number, COALESCE(account_name, ''), credential_id, COALESCE(period_type, ''), last_invoice_date
		FROM billing_accounts
		WHERE is_active = TRUE`)
	if filter.VendorCode != "" {
		args = append(args, filter.VendorCode)
		fmt.Fprintf(&sb, " AND vendor_code = $%d", len(args))
	}
	sb.WriteString(" ORDER BY external_account_id")
	return sb.String(), args
}
