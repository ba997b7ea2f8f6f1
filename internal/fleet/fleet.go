// Package fleet stores the production orders that make up the fleet.
//
// Orders are persisted in the production_orders table so that a restart
// produces the same instances. The store does not run anything itself; the
// reactor is given every stored order at boot.
package fleet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/panduza/panduza-core/internal/factory"
)

var (
	// ErrNotFound is returned when no order has the requested name.
	ErrNotFound = errors.New("fleet: order not found")

	// ErrExists is returned when creating an order whose name is taken.
	ErrExists = errors.New("fleet: order already exists")
)

// Record is a stored production order.
type Record struct {
	factory.ProductionOrder
	CreatedAt time.Time `json:"created_at"`
}

// Store is the SQLite-backed order repository.
//
// Thread Safety:
//   - All methods are safe for concurrent use; serialisation is left to
//     the database handle.
type Store struct {
	db *sql.DB
}

// NewStore wraps a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// List returns every order, oldest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, ref, settings, created_at FROM production_orders ORDER BY created_at, name")
	if err != nil {
		return nil, fmt.Errorf("fleet: listing orders: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fleet: listing orders: %w", err)
	}
	return out, nil
}

// Get returns the order named name.
func (s *Store) Get(ctx context.Context, name string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT name, ref, settings, created_at FROM production_orders WHERE name = ?", name)
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r, err
}

// Create stores a new order.
//
// Returns:
//   - error: factory.ErrInvalidOrder, ErrExists, or a database error
func (s *Store) Create(ctx context.Context, order factory.ProductionOrder) error {
	if err := order.Validate(); err != nil {
		return err
	}
	settings := order.DeviceSettings
	if len(settings) == 0 {
		settings = json.RawMessage("{}")
	}
	if !json.Valid(settings) {
		return fmt.Errorf("%w: settings of %s are not JSON", factory.ErrInvalidOrder, order.DeviceName)
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO production_orders (name, ref, settings, created_at) VALUES (?, ?, ?, ?)",
		order.DeviceName, order.DeviceRef, string(settings), time.Now().UTC().Format(time.RFC3339Nano))
	if isConstraint(err) {
		return fmt.Errorf("%w: %s", ErrExists, order.DeviceName)
	}
	if err != nil {
		return fmt.Errorf("fleet: storing %s: %w", order.DeviceName, err)
	}
	return nil
}

// CreateIfNotExists stores order unless its name is taken.
//
// Returns:
//   - bool: true if the order was stored
func (s *Store) CreateIfNotExists(ctx context.Context, order factory.ProductionOrder) (bool, error) {
	err := s.Create(ctx, order)
	if errors.Is(err, ErrExists) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes the order named name.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM production_orders WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("fleet: deleting %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (Record, error) {
	var (
		r         Record
		settings  string
		createdAt string
	)
	if err := row.Scan(&r.DeviceName, &r.DeviceRef, &settings, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("fleet: scanning order: %w", err)
	}
	r.DeviceSettings = json.RawMessage(settings)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt) //nolint:errcheck // written by Create
	return r, nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
