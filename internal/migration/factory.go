package migration

import (
	"fmt"

	appconfig "github.com/himudigonda/inferencegateway/config"
)

// NewMigratorFromDatabaseConfig creates a migrator from the gateway's
// DatabaseConfig, rejecting any driver other than postgres.
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*DefaultMigrator, error) {
	if dbCfg.Driver != "" && dbCfg.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres)", dbCfg.Driver)
	}

	dbURL := dbCfg.DSN()
	if dbURL == "" {
		dbURL = BuildDatabaseURL(dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode)
	}

	return NewMigrator(&Config{
		DatabaseURL: dbURL,
		TableName:   "schema_migrations",
	})
}

// NewMigratorFromURL creates a migrator from a raw postgres:// URL.
func NewMigratorFromURL(dbURL string) (*DefaultMigrator, error) {
	return NewMigrator(&Config{
		DatabaseURL: dbURL,
		TableName:   "schema_migrations",
	})
}
