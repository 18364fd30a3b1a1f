package sqlexec

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	go_ora "github.com/sijms/go-ora/v2"
)

// backend maps a Kind onto a database/sql driver.
type backend struct {
	driver string
	dsn    func(Descriptor) string
	// prepare adjusts statement text for drivers with stricter parsers.
	prepare func(query string) string
}

var backends = map[Kind]backend{
	KindSQLite: {
		driver:  "sqlite3",
		dsn:     func(d Descriptor) string { return d.Path },
		prepare: strings.TrimSpace,
	},
	KindPostgres: {
		driver:  "pgx",
		dsn:     postgresDSN,
		prepare: strings.TrimSpace,
	},
	KindOracle: {
		driver: "oracle",
		dsn: func(d Descriptor) string {
			return go_ora.BuildUrl(d.Host, d.Port, d.DBName, d.User, d.Password, nil)
		},
		// go-ora rejects a trailing statement terminator.
		prepare: func(query string) string {
			return strings.TrimRight(strings.TrimSpace(query), ";")
		},
	},
}

func postgresDSN(d Descriptor) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.DBName,
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	return u.String()
}

// Open returns a database handle for d. The caller closes it.
func Open(d Descriptor) (*sql.DB, error) {
	b, ok := backends[d.Kind]
	if !ok {
		return nil, &ConfigError{Msg: fmt.Sprintf("Unsupported 'db_type': %s. Must be 'sqlite', 'postgresql', or 'oracle'.", d.Kind)}
	}
	return sql.Open(b.driver, b.dsn(d))
}
