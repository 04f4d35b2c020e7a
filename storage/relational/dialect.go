package relational

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/impactdev/impactor/core"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect holds the SQL differences between the supported databases.
type Dialect struct {
	// Name is the configuration name of the dialect.
	Name string
	// DriverName is the database/sql driver the dialect opens.
	DriverName string
	// DefaultPort is used when the configuration names none.
	DefaultPort int

	keyType      string
	tableOptions string
	columnTypes  map[core.FieldType]string
	numbered     bool
	quoteChar    byte
	versionQuery string
	conflict     func(d *Dialect, keyColumn string, columns []string) string
	prefix       func(d *Dialect, column, placeholder string) string
	prefixArg    func(prefix string) string
	transient    func(err error) bool
	dsn          func(cfg Config) string
}

var dialects = map[string]*Dialect{
	"sqlite": {
		Name:        "sqlite",
		DriverName:  "sqlite",
		keyType:     "TEXT NOT NULL",
		quoteChar:   '"',
		columnTypes: map[core.FieldType]string{
			core.FieldString:   "TEXT",
			core.FieldInt:      "INTEGER",
			core.FieldFloat:    "REAL",
			core.FieldBool:     "INTEGER",
			core.FieldDocument: "TEXT",
		},
		versionQuery: "SELECT sqlite_version()",
		conflict:     excludedConflict,
		prefix:       globPrefix,
		prefixArg:    globPattern,
		transient:    sqliteTransient,
		dsn:          sqliteDSN,
	},
	"mysql": {
		Name:         "mysql",
		DriverName:   "mysql",
		DefaultPort:  3306,
		keyType:      "VARCHAR(255) NOT NULL",
		tableOptions: " DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin",
		quoteChar:    '`',
		columnTypes: map[core.FieldType]string{
			core.FieldString:   "LONGTEXT",
			core.FieldInt:      "BIGINT",
			core.FieldFloat:    "DOUBLE",
			core.FieldBool:     "BOOLEAN",
			core.FieldDocument: "LONGTEXT",
		},
		versionQuery: "SELECT VERSION()",
		conflict:     duplicateKeyConflict,
		prefix:       likePrefix,
		prefixArg:    likePattern,
		transient:    mysqlTransient,
		dsn:          mysqlDSN,
	},
	"postgres": {
		Name:        "postgres",
		DriverName:  "pgx",
		DefaultPort: 5432,
		keyType:     `TEXT COLLATE "C" NOT NULL`,
		quoteChar:   '"',
		numbered:    true,
		columnTypes: map[core.FieldType]string{
			core.FieldString:   `TEXT COLLATE "C"`,
			core.FieldInt:      "BIGINT",
			core.FieldFloat:    "DOUBLE PRECISION",
			core.FieldBool:     "BOOLEAN",
			core.FieldDocument: "TEXT",
		},
		versionQuery: "SHOW server_version",
		conflict:     excludedConflict,
		prefix:       likePrefix,
		prefixArg:    likePattern,
		transient:    postgresTransient,
		dsn:          postgresDSN,
	},
}

func init() {
	mariadb := *dialects["mysql"]
	mariadb.Name = "mariadb"
	dialects["mariadb"] = &mariadb
}

// LookupDialect returns the dialect registered under name.
func LookupDialect(name string) (*Dialect, error) {
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown SQL dialect %q", core.ErrConfiguration, name)
	}
	return d, nil
}

// Dialects lists the supported dialect names.
func Dialects() []string {
	return []string{"sqlite", "mysql", "mariadb", "postgres"}
}

// Quote quotes an identifier. Identifiers are validated collection and
// field names, so they never contain the quote character.
func (d *Dialect) Quote(ident string) string {
	q := string(d.quoteChar)
	return q + ident + q
}

// Placeholder returns the bind parameter for the n-th argument, from 1.
func (d *Dialect) Placeholder(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// ColumnType returns the column type storing a field type.
func (d *Dialect) ColumnType(t core.FieldType) string {
	return d.columnTypes[t]
}

// IsTransient reports whether err is a failure worth retrying.
func (d *Dialect) IsTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return d.transient(err)
}

// DSN builds the data source name for cfg.
func (d *Dialect) DSN(cfg Config) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	return d.dsn(cfg)
}

// excludedConflict is the upsert tail of sqlite and postgres.
func excludedConflict(d *Dialect, keyColumn string, columns []string) string {
	if len(columns) == 0 {
		return " ON CONFLICT(" + d.Quote(keyColumn) + ") DO NOTHING"
	}
	sets := make([]string, len(columns))
	for i, c := range columns {
		sets[i] = d.Quote(c) + " = excluded." + d.Quote(c)
	}
	return " ON CONFLICT(" + d.Quote(keyColumn) + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

// duplicateKeyConflict is the upsert tail of mysql and mariadb.
func duplicateKeyConflict(d *Dialect, keyColumn string, columns []string) string {
	if len(columns) == 0 {
		return " ON DUPLICATE KEY UPDATE " + d.Quote(keyColumn) + " = " + d.Quote(keyColumn)
	}
	sets := make([]string, len(columns))
	for i, c := range columns {
		sets[i] = d.Quote(c) + " = VALUES(" + d.Quote(c) + ")"
	}
	return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

// sqlite LIKE ignores ASCII case, GLOB does not.
func globPrefix(d *Dialect, column, placeholder string) string {
	return d.Quote(column) + " GLOB " + placeholder
}

func globPattern(prefix string) string {
	r := strings.NewReplacer("[", "[[]", "*", "[*]", "?", "[?]")
	return r.Replace(prefix) + "*"
}

func likePrefix(d *Dialect, column, placeholder string) string {
	return d.Quote(column) + " LIKE " + placeholder + " ESCAPE '!'"
}

func likePattern(prefix string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(prefix) + "%"
}

func sqliteTransient(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func mysqlTransient(err error) bool {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	switch me.Number {
	case 1205, 1213, 2006, 2013:
		return true
	}
	return false
}

func postgresTransient(err error) bool {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "40001", "40P01", "57P01":
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

func sqliteDSN(cfg Config) string {
	return "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

func mysqlDSN(cfg Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

func postgresDSN(cfg Config) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Database,
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	return u.String()
}
