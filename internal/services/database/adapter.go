package database

import (
	"fmt"
	"path"
	"strings"

	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/services/process"
)

// Adapter builds the in-container commands for one database family. The tool
// argument is the client binary that was resolved inside the container.
type Adapter interface {
	Family() models.DBType
	DumpTools() []string
	ClientTools() []string
	DumpCommand(tool string, c models.DBCredentials) process.Command
	RestoreCommand(tool string, c models.DBCredentials) process.Command
	QueryCommand(tool string, c models.DBCredentials, sql string) process.Command
	InstallHint() string
	// HasServer is false for families without a separate server process.
	HasServer() bool
}

// For returns the adapter for a normalized dbtype.
func For(t models.DBType) (Adapter, error) {
	switch t {
	case models.DBTypeSQLite:
		return sqliteAdapter{}, nil
	case models.DBTypeMySQL:
		return mysqlAdapter{family: models.DBTypeMySQL}, nil
	case models.DBTypeMariaDB:
		return mysqlAdapter{family: models.DBTypeMariaDB}, nil
	case models.DBTypePgSQL:
		return pgsqlAdapter{}, nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", t)
	}
}

// AdminQuery returns the SQL that finds the first member of the admin group.
func AdminQuery(prefix string) string {
	return fmt.Sprintf(
		"SELECT u.uid FROM %susers u JOIN %sgroup_user g ON u.uid=g.uid WHERE g.gid='admin' LIMIT 1",
		prefix, prefix)
}

type mysqlAdapter struct {
	family models.DBType
}

func (a mysqlAdapter) Family() models.DBType { return a.family }

func (a mysqlAdapter) DumpTools() []string {
	if a.family == models.DBTypeMariaDB {
		return []string{"mariadb-dump", "mysqldump"}
	}
	return []string{"mysqldump", "mariadb-dump"}
}

func (a mysqlAdapter) ClientTools() []string {
	if a.family == models.DBTypeMariaDB {
		return []string{"mariadb", "mysql"}
	}
	return []string{"mysql", "mariadb"}
}

func (a mysqlAdapter) DumpCommand(tool string, c models.DBCredentials) process.Command {
	return process.Command{
		Name:    tool,
		Args:    []string{"-u" + c.User, "-p" + c.Password, "--single-transaction", c.Name},
		Secrets: []string{c.Password},
	}
}

func (a mysqlAdapter) RestoreCommand(tool string, c models.DBCredentials) process.Command {
	return process.Command{
		Name:    tool,
		Args:    []string{"-u" + c.User, "-p" + c.Password, c.Name},
		Secrets: []string{c.Password},
	}
}

func (a mysqlAdapter) QueryCommand(tool string, c models.DBCredentials, sql string) process.Command {
	return process.Command{
		Name:    tool,
		Args:    []string{"-u" + c.User, "-p" + c.Password, "-N", "-B", "-e", sql, c.Name},
		Secrets: []string{c.Password},
	}
}

func (a mysqlAdapter) InstallHint() string {
	return "the database container image must ship mysqldump (mysql) or mariadb-dump (mariadb)"
}

func (a mysqlAdapter) HasServer() bool { return true }

type pgsqlAdapter struct{}

func (pgsqlAdapter) Family() models.DBType { return models.DBTypePgSQL }
func (pgsqlAdapter) DumpTools() []string { return []string{"pg_dump"} }
func (pgsqlAdapter) ClientTools() []string { return []string{"psql"} }
func (pgsqlAdapter) HasServer() bool { return true }
func (pgsqlAdapter) InstallHint() string { return "the database container image must ship pg_dump (postgresql-client)" }
func pgEnv(c models.DBCredentials) []string { return []string{"PGPASSWORD=" + c.Password} }

func (pgsqlAdapter) DumpCommand(tool string, c models.DBCredentials) process.Command {
	return process.Command{
		Name:    tool,
		Args:    []string{"-U", c.User, c.Name},
		Env:     pgEnv(c),
		Secrets: []string{c.Password},
	}
}

func (pgsqlAdapter) RestoreCommand(tool string, c models.DBCredentials) process.Command {
	return process.Command{
		Name:    tool,
		Args:    []string{"-U", c.User, "-d", c.Name, "-q"},
		Env:     pgEnv(c),
		Secrets: []string{c.Password},
	}
}

func (pgsqlAdapter) QueryCommand(tool string, c models.DBCredentials, sql string) process.Command {
	return process.Command{
		Name:    tool,
		Args:    []string{"-U", c.User, "-d", c.Name, "-t", "-A", "-c", sql},
		Env:     pgEnv(c),
		Secrets: []string{c.Password},
	}
}

// defaultSQLiteName is the dbname Nextcloud uses when config.php has none.
const defaultSQLiteName = "owncloud"

type sqliteAdapter struct{}

func (sqliteAdapter) Family() models.DBType { return models.DBTypeSQLite }
func (sqliteAdapter) DumpTools() []string { return nil }
func (sqliteAdapter) ClientTools() []string { return []string{"sqlite3"} }
func (sqliteAdapter) HasServer() bool { return false }
func (sqliteAdapter) InstallHint() string {
	return "the app container image must ship sqlite3 to query the database"
}

// DumpCommand and RestoreCommand are empty: the .db file travels with the data tree.
func (sqliteAdapter) DumpCommand(string, models.DBCredentials) process.Command {
	return process.Command{}
}

func (sqliteAdapter) RestoreCommand(string, models.DBCredentials) process.Command {
	return process.Command{}
}

func (sqliteAdapter) QueryCommand(tool string, c models.DBCredentials, sql string) process.Command {
	return process.Command{Name: tool, Args: []string{SQLitePath(c), sql}}
}

// SQLitePath returns the container path of the SQLite database file.
func SQLitePath(c models.DBCredentials) string {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = defaultSQLiteName
	}
	dir := c.DataDir
	if dir == "" {
		dir = "/var/www/html/data"
	}
	return path.Join(dir, name+".db")
}
