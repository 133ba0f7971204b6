// Package migrations holds the forward-only schema history of the bot database.
package migrations

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// TableName is where applied migration ids are recorded.
const TableName = "schema_migrations"

// initialUsers is the users table as of the first revision. It is frozen here
// so later model changes do not rewrite history.
type initialUsers struct {
	UserID    int64     `gorm:"column:user_id;type:bigint;primaryKey;autoIncrement:false"`
	Username  *string   `gorm:"column:username;size:128"`
	FullName  string    `gorm:"column:full_name;size:128;not null"`
	Active    bool      `gorm:"column:active;not null;default:true"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;not null;default:CURRENT_TIMESTAMP"`
}

func (initialUsers) TableName() string {
	return "users"
}

var migrationInitial = &gormigrate.Migration{
	ID: "202407122238_initial",
	Migrate: func(tx *gorm.DB) error {
		if err := tx.Migrator().CreateTable(&initialUsers{}); err != nil {
			return fmt.Errorf("create users: %w", err)
		}
		return nil
	},
	Rollback: func(tx *gorm.DB) error {
		return tx.Migrator().DropTable("users")
	},
}

// All returns the ordered migration list.
func All() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		migrationInitial,
	}
}

// Latest returns the id of the newest known migration.
func Latest() string {
	all := All()
	return all[len(all)-1].ID
}

func newMigrator(db *gorm.DB) *gormigrate.Gormigrate {
	opts := *gormigrate.DefaultOptions
	opts.TableName = TableName
	opts.UseTransaction = true

	return gormigrate.New(db, &opts, All())
}

// Run applies every pending migration.
func Run(db *gorm.DB) error {
	if db == nil {
		return errors.New("database handle is required")
	}

	if err := newMigrator(db).Migrate(); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// MigrateTo applies pending migrations up to and including id.
func MigrateTo(db *gorm.DB, id string) error {
	if db == nil {
		return errors.New("database handle is required")
	}

	if err := newMigrator(db).MigrateTo(id); err != nil {
		return fmt.Errorf("apply migrations to %s: %w", id, err)
	}

	return nil
}

// Applied lists the migration ids recorded in the database.
func Applied(db *gorm.DB) ([]string, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if !db.Migrator().HasTable(TableName) {
		return nil, nil
	}

	var ids []string
	if err := db.Table(TableName).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}

	return ids, nil
}
