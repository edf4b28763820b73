package models

import (
	"fmt"
	"strings"
)

// DBType is the normalized Nextcloud database family.
type DBType string

// Database families accepted after normalization.
const (
	DBTypeSQLite  DBType = "sqlite"
	DBTypeMySQL   DBType = "mysql"
	DBTypeMariaDB DBType = "mariadb"
	DBTypePgSQL   DBType = "pgsql"
)

// ParseDBType normalizes a raw dbtype token. "sqlite3" is folded into "sqlite".
func ParseDBType(raw string) (DBType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sqlite", "sqlite3":
		return DBTypeSQLite, nil
	case "mysql":
		return DBTypeMySQL, nil
	case "mariadb":
		return DBTypeMariaDB, nil
	case "pgsql":
		return DBTypePgSQL, nil
	default:
		return "", fmt.Errorf("unsupported dbtype %q", raw)
	}
}

// IsSQLite reports whether the database lives as a file inside the data tree.
func (t DBType) IsSQLite() bool {
	return t == DBTypeSQLite
}

// NextcloudConfig is the semantic record parsed from config.php.
type NextcloudConfig struct {
	DBType         DBType
	DBName         string
	DBUser         string
	DBPassword     string
	DBHost         string
	DBTablePrefix  string
	DataDirectory  string
	TrustedDomains []string
	Version        string
}

// Credentials returns the database credentials carried by the config.
func (c NextcloudConfig) Credentials() DBCredentials {
	return DBCredentials{
		Type:        c.DBType,
		Name:        c.DBName,
		User:        c.DBUser,
		Password:    c.DBPassword,
		Host:        c.DBHost,
		TablePrefix: c.DBTablePrefix,
		DataDir:     c.DataDirectory,
	}
}

// DBCredentials holds what a database adapter needs to reach the database.
type DBCredentials struct {
	Type        DBType
	Name        string
	User        string
	Password    string
	Host        string
	TablePrefix string // default "oc_"
	DataDir     string // sqlite only: directory holding <name>.db
}

// Missing lists the required credential fields that are empty for this family.
func (c DBCredentials) Missing() []string {
	if c.Type.IsSQLite() {
		return nil
	}
	var missing []string
	if c.Name == "" {
		missing = append(missing, "dbname")
	}
	if c.User == "" {
		missing = append(missing, "dbuser")
	}
	if c.Password == "" {
		missing = append(missing, "dbpassword")
	}
	return missing
}

// Prefix returns the table prefix, defaulting to "oc_".
func (c DBCredentials) Prefix() string {
	if c.TablePrefix == "" {
		return "oc_"
	}
	return c.TablePrefix
}
