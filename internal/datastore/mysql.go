package datastore

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tphakala/psgscore/internal/conf"
	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/logger"
	"github.com/tphakala/psgscore/internal/secrets"
)

// MySQLStore implements Interface for MySQL
type MySQLStore struct {
	DataStore
	Settings *conf.Settings
}

// dsn builds the MySQL connection string from the settings, resolving the
// password from its secret file or environment references.
func (store *MySQLStore) dsn() (string, error) {
	m := store.Settings.Output.MySQL
	password, err := secrets.Resolve(m.PasswordFile, m.Password)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		m.Username, password, m.Host, m.Port, m.Database), nil
}

// Open connects to the MySQL database and migrates the schema.
func (store *MySQLStore) Open() error {
	m := store.Settings.Output.MySQL
	dsn, err := store.dsn()
	if err != nil {
		return err
	}
	db, err := gorm.Open(mysql.Open(dsn), gormConfig())
	if err != nil {
		// The password stays out of the error context.
		return errors.New(fmt.Errorf("failed to open MySQL database: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("host", m.Host).
			Context("port", m.Port).
			Context("database", m.Database).
			Build()
	}

	store.DB = db
	GetLogger().Info("MySQL database opened",
		logger.String("host", m.Host),
		logger.String("database", m.Database))
	return performAutoMigration(db, "MySQL")
}
