package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-sqlite3"

	"crmlicense.app/licensing/internal/logger"
	"crmlicense.app/licensing/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// NewSQLiteStorage opens the database at path and applies pending migrations.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	dsn := sqliteDSN(path)

	if err := Migrate(dsn); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time; sqlite serializes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &SQLiteStorage{db: db, path: path}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_busy_timeout=5000"
}

// Migrate applies the embedded schema migrations. It opens its own
// connection because the migrate driver closes the database it is given.
func Migrate(dsn string) (err error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return err
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("migration setup: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			err = multierror.Append(err, srcErr, dbErr).ErrorOrNil()
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, dirty, verr := m.Version()
	if verr == nil {
		logger.Debug("Database schema up to date", map[string]interface{}{
			"version": version,
			"dirty":   dirty,
		})
	}
	return nil
}

func (s *SQLiteStorage) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	query := `SELECT id, name, email, phone, company, allowed_domains, stripe_customer_id, created_at, updated_at FROM customers WHERE id = ?`
	return s.scanCustomer(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStorage) FindCustomerByEmailAddress(ctx context.Context, emailAddress string) (*models.Customer, error) {
	query := `SELECT id, name, email, phone, company, allowed_domains, stripe_customer_id, created_at, updated_at FROM customers WHERE email = ? ORDER BY created_at LIMIT 1`
	return s.scanCustomer(s.db.QueryRowContext(ctx, query, emailAddress))
}

func (s *SQLiteStorage) scanCustomer(row scanner) (*models.Customer, error) {
	var customer models.Customer
	var domains string
	err := row.Scan(
		&customer.ID,
		&customer.Name,
		&customer.Email,
		&customer.Phone,
		&customer.Company,
		&domains,
		&customer.StripeCustomerID,
		&customer.CreatedAt,
		&customer.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	customer.AllowedDomains, err = decodeList(domains)
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

func (s *SQLiteStorage) ListCustomers(ctx context.Context) ([]*models.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, email, phone, company, allowed_domains, stripe_customer_id, created_at, updated_at FROM customers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer closeRows(rows)

	var customers []*models.Customer
	for rows.Next() {
		customer, err := s.scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		customers = append(customers, customer)
	}
	return customers, rows.Err()
}

func (s *SQLiteStorage) SaveCustomer(ctx context.Context, customer *models.Customer) error {
	query := `INSERT INTO customers (id, name, email, phone, company, allowed_domains, stripe_customer_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone,
			company = excluded.company,
			allowed_domains = excluded.allowed_domains,
			stripe_customer_id = excluded.stripe_customer_id,
			updated_at = excluded.updated_at`

	domains, err := encodeList(customer.AllowedDomains)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query,
		customer.ID,
		customer.Name,
		customer.Email,
		customer.Phone,
		customer.Company,
		domains,
		customer.StripeCustomerID,
		customer.CreatedAt.UTC(),
		customer.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) DeleteCustomer(ctx context.Context, id string) error {
	var owned int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM licenses WHERE customer_id = ?`, id).Scan(&owned); err != nil {
		return fmt.Errorf("failed to count licenses: %w", err)
	}
	if owned > 0 {
		return ErrCustomerInUse
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete customer: %w", err)
	}
	return requireAffected(res)
}

const licenseColumns = `id, key, customer_id, package_id, status, license_type, description, expires_on, user_limit, allowed_domains, last_check, created_at, updated_at`

func (s *SQLiteStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	return s.findLicense(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id)
}

func (s *SQLiteStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	return s.findLicense(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE key = ?`, key)
}

func (s *SQLiteStorage) findLicense(ctx context.Context, query string, arg string) (*models.License, error) {
	license, err := scanLicense(s.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	modules, err := s.loadModules(ctx, []string{license.ID})
	if err != nil {
		return nil, err
	}
	license.Modules = modules[license.ID]
	return license, nil
}

func (s *SQLiteStorage) FindLicensesByCustomer(ctx context.Context, customerID string) ([]*models.License, error) {
	return s.queryLicenses(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE customer_id = ? ORDER BY created_at, id`, customerID)
}

func (s *SQLiteStorage) ListLicenses(ctx context.Context, status string) ([]*models.License, error) {
	if status == "" {
		return s.queryLicenses(ctx, `SELECT `+licenseColumns+` FROM licenses ORDER BY created_at, id`)
	}
	return s.queryLicenses(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE status = ? ORDER BY created_at, id`, status)
}

func (s *SQLiteStorage) queryLicenses(ctx context.Context, query string, args ...interface{}) ([]*models.License, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}

	var licenses []*models.License
	var ids []string
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			closeRows(rows)
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, license)
		ids = append(ids, license.ID)
	}
	if err := rows.Err(); err != nil {
		closeRows(rows)
		return nil, fmt.Errorf("error iterating licenses: %w", err)
	}
	// the single connection must be released before loading modules
	closeRows(rows)

	modules, err := s.loadModules(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, license := range licenses {
		license.Modules = modules[license.ID]
	}
	return licenses, nil
}

func (s *SQLiteStorage) loadModules(ctx context.Context, licenseIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(licenseIDs))
	if len(licenseIDs) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(licenseIDs)), ",")
	args := make([]interface{}, len(licenseIDs))
	for i, id := range licenseIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT license_id, module_slug FROM license_modules WHERE license_id IN (`+placeholders+`) ORDER BY license_id, position`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query license modules: %w", err)
	}
	defer closeRows(rows)

	for rows.Next() {
		var licenseID, slug string
		if err := rows.Scan(&licenseID, &slug); err != nil {
			return nil, fmt.Errorf("failed to scan license module: %w", err)
		}
		result[licenseID] = append(result[licenseID], slug)
	}
	return result, rows.Err()
}

func (s *SQLiteStorage) SaveLicense(ctx context.Context, license *models.License) error {
	domains, err := encodeList(license.AllowedDomains)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM customers WHERE id = ?`, license.CustomerID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrCustomerNotFound
		}

		query := `INSERT INTO licenses (` + licenseColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				key = excluded.key,
				customer_id = excluded.customer_id,
				package_id = excluded.package_id,
				status = excluded.status,
				license_type = excluded.license_type,
				description = excluded.description,
				expires_on = excluded.expires_on,
				user_limit = excluded.user_limit,
				allowed_domains = excluded.allowed_domains,
				last_check = excluded.last_check,
				updated_at = excluded.updated_at`

		_, err := tx.ExecContext(ctx, query,
			license.ID,
			license.Key,
			license.CustomerID,
			license.PackageID,
			license.Status,
			license.LicenseType,
			license.Description,
			nullDate(license.ExpiresOn),
			license.UserLimit,
			domains,
			nullTime(license.LastCheck),
			license.CreatedAt.UTC(),
			license.UpdatedAt.UTC(),
		)
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		if err != nil {
			return fmt.Errorf("failed to save license: %w", err)
		}

		return replaceModules(ctx, tx, license.ID, license.Modules)
	})
}

func replaceModules(ctx context.Context, tx *sql.Tx, licenseID string, modules []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM license_modules WHERE license_id = ?`, licenseID); err != nil {
		return fmt.Errorf("failed to clear license modules: %w", err)
	}
	for i, slug := range dedupe(modules) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO license_modules (license_id, module_slug, position) VALUES (?, ?, ?)`,
			licenseID, slug, i,
		); err != nil {
			return fmt.Errorf("failed to save license module %s: %w", slug, err)
		}
	}
	return nil
}

func (s *SQLiteStorage) SetLicenseStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update license status: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStorage) SetLicenseModules(ctx context.Context, id string, modules []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE licenses SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to update license: %w", err)
		}
		if err := requireAffected(res); err != nil {
			return err
		}
		return replaceModules(ctx, tx, id, modules)
	})
}

func (s *SQLiteStorage) TouchLicense(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE licenses SET last_check = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch license: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStorage) DeleteLicense(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM licenses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete license: %w", err)
	}
	return requireAffected(res)
}

const packageColumns = `id, name, description, license_type, user_limit, price, currency, modules, is_active, created_at, updated_at`

func (s *SQLiteStorage) GetPackage(ctx context.Context, id string) (*models.LicensePackage, error) {
	pkg, err := scanPackage(s.db.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM license_packages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return pkg, err
}

func (s *SQLiteStorage) ListPackages(ctx context.Context) ([]*models.LicensePackage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+packageColumns+` FROM license_packages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer closeRows(rows)

	var packages []*models.LicensePackage
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		packages = append(packages, pkg)
	}
	return packages, rows.Err()
}

func (s *SQLiteStorage) SavePackage(ctx context.Context, pkg *models.LicensePackage) error {
	modules, err := encodeList(dedupe(pkg.Modules))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO license_packages (`+packageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			license_type = excluded.license_type,
			user_limit = excluded.user_limit,
			price = excluded.price,
			currency = excluded.currency,
			modules = excluded.modules,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		pkg.ID, pkg.Name, pkg.Description, pkg.LicenseType, pkg.UserLimit,
		pkg.Price, pkg.Currency, modules, pkg.IsActive,
		pkg.CreatedAt.UTC(), pkg.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save package: %w", err)
	}
	return nil
}

const moduleColumns = `slug, name, view_parameter, category, description, is_core, is_active`

func (s *SQLiteStorage) GetModule(ctx context.Context, slug string) (*models.Module, error) {
	module, err := scanModule(s.db.QueryRowContext(ctx, `SELECT `+moduleColumns+` FROM modules WHERE slug = ?`, slug))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return module, err
}

func (s *SQLiteStorage) ListModules(ctx context.Context) ([]*models.Module, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+moduleColumns+` FROM modules ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to query modules: %w", err)
	}
	defer closeRows(rows)

	var modules []*models.Module
	for rows.Next() {
		module, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		modules = append(modules, module)
	}
	return modules, rows.Err()
}

func (s *SQLiteStorage) SaveModule(ctx context.Context, module *models.Module) error {
	var viewParameter interface{}
	if module.ViewParameter != "" {
		viewParameter = module.ViewParameter
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO modules (`+moduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			name = excluded.name,
			view_parameter = excluded.view_parameter,
			category = excluded.category,
			description = excluded.description,
			is_core = excluded.is_core,
			is_active = excluded.is_active`,
		module.Slug, module.Name, viewParameter, module.Category,
		module.Description, module.IsCore, module.IsActive,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateViewParameter
	}
	if err != nil {
		return fmt.Errorf("failed to save module: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteModule(ctx context.Context, slug string) error {
	module, err := s.GetModule(ctx, slug)
	if err != nil {
		return err
	}
	if module == nil {
		return ErrNotFound
	}
	if module.IsCore {
		return ErrCoreModule
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM modules WHERE slug = ?`, slug); err != nil {
		return fmt.Errorf("failed to delete module: %w", err)
	}
	return nil
}

const paymentColumns = `id, license_id, customer_id, amount, currency, method, status, paid_at, receipt_ref, stripe_session_id, notes, created_at`

func (s *SQLiteStorage) SavePayment(ctx context.Context, payment *models.Payment) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			currency = excluded.currency,
			method = excluded.method,
			status = excluded.status,
			paid_at = excluded.paid_at,
			receipt_ref = excluded.receipt_ref,
			notes = excluded.notes`,
		payment.ID, payment.LicenseID, payment.CustomerID, payment.Amount,
		payment.Currency, payment.Method, payment.Status, payment.PaidAt.UTC(),
		payment.ReceiptRef, payment.StripeSessionID, payment.Notes, payment.CreatedAt.UTC(),
	)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) FindPaymentsByLicense(ctx context.Context, licenseID string) ([]*models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE license_id = ? ORDER BY paid_at`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer closeRows(rows)

	var payments []*models.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

func (s *SQLiteStorage) FindPaymentBySessionID(ctx context.Context, sessionID string) (*models.Payment, error) {
	if sessionID == "" {
		return nil, nil
	}
	payment, err := scanPayment(s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE stripe_session_id = ? LIMIT 1`, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return payment, err
}

func (s *SQLiteStorage) RevenueSummary(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT currency,
			SUM(CASE WHEN status = ? THEN amount ELSE 0 END) -
			SUM(CASE WHEN status = ? THEN amount ELSE 0 END)
		FROM payments WHERE status IN (?, ?) GROUP BY currency`,
		models.PaymentCompleted, models.PaymentRefunded, models.PaymentCompleted, models.PaymentRefunded)
	if err != nil {
		return nil, fmt.Errorf("failed to query revenue: %w", err)
	}
	defer closeRows(rows)

	summary := make(map[string]int64)
	for rows.Next() {
		var currency string
		var total int64
		if err := rows.Scan(&currency, &total); err != nil {
			return nil, fmt.Errorf("failed to scan revenue: %w", err)
		}
		summary[currency] = total
	}
	return summary, rows.Err()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLicense(row scanner) (*models.License, error) {
	var license models.License
	var expiresOn sql.NullString
	var lastCheck sql.NullTime
	var domains string

	err := row.Scan(
		&license.ID,
		&license.Key,
		&license.CustomerID,
		&license.PackageID,
		&license.Status,
		&license.LicenseType,
		&license.Description,
		&expiresOn,
		&license.UserLimit,
		&domains,
		&lastCheck,
		&license.CreatedAt,
		&license.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if expiresOn.Valid {
		license.ExpiresOn, err = models.ParseDate(expiresOn.String)
		if err != nil {
			return nil, err
		}
	}
	if lastCheck.Valid {
		t := lastCheck.Time.UTC()
		license.LastCheck = &t
	}
	license.AllowedDomains, err = decodeList(domains)
	if err != nil {
		return nil, err
	}
	return &license, nil
}

func scanPackage(row scanner) (*models.LicensePackage, error) {
	var pkg models.LicensePackage
	var modules string
	err := row.Scan(&pkg.ID, &pkg.Name, &pkg.Description, &pkg.LicenseType, &pkg.UserLimit,
		&pkg.Price, &pkg.Currency, &modules, &pkg.IsActive, &pkg.CreatedAt, &pkg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pkg.Modules, err = decodeList(modules)
	return &pkg, err
}

func scanModule(row scanner) (*models.Module, error) {
	var module models.Module
	var viewParameter sql.NullString
	err := row.Scan(&module.Slug, &module.Name, &viewParameter, &module.Category,
		&module.Description, &module.IsCore, &module.IsActive)
	if err != nil {
		return nil, err
	}
	module.ViewParameter = viewParameter.String
	return &module, nil
}

func scanPayment(row scanner) (*models.Payment, error) {
	var payment models.Payment
	err := row.Scan(&payment.ID, &payment.LicenseID, &payment.CustomerID, &payment.Amount,
		&payment.Currency, &payment.Method, &payment.Status, &payment.PaidAt,
		&payment.ReceiptRef, &payment.StripeSessionID, &payment.Notes, &payment.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *SQLiteStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return multierror.Append(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		logger.Warn("Failed to close rows", map[string]interface{}{"error": err.Error()})
	}
}

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(b), nil
}

func decodeList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("failed to decode list: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

func nullDate(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return models.FormatDate(t)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
