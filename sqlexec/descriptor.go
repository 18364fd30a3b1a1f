// Package sqlexec runs one SQL statement against a described data source
// and renders the outcome as text for the model.
package sqlexec

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind names a supported database backend.
type Kind string

const (
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgresql"
	KindOracle   Kind = "oracle"
)

const (
	defaultPostgresPort = 5432
	defaultOraclePort   = 1521
)

// ConfigError reports an unusable connection description. Its message is
// shown to the model verbatim after an "Error: " prefix.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// Descriptor identifies a data source. Only the fields relevant to Kind
// are set.
type Descriptor struct {
	Kind     Kind
	Path     string // sqlite
	User     string
	Password string
	Host     string
	Port     int
	DBName   string // postgres database or oracle service name
}

// ParseDescriptor reads a model supplied connection_config map.
//
// Accepted keys: db_type; db_path (sqlite); dbname, user, password, host,
// port (postgresql); user, password, dsn "host:port/service" or
// host, port, service_name (oracle).
func ParseDescriptor(cfg map[string]any) (Descriptor, error) {
	kind := stringValue(cfg, "db_type")
	if kind == "" {
		return Descriptor{}, &ConfigError{Msg: "'db_type' is missing from connection_config."}
	}

	d := Descriptor{Kind: Kind(strings.ToLower(kind))}
	switch d.Kind {
	case KindSQLite:
		d.Path = stringValue(cfg, "db_path")
		if d.Path == "" {
			return Descriptor{}, &ConfigError{Msg: "'db_path' not provided in connection_config for SQLite."}
		}
	case KindPostgres:
		d.User = stringValue(cfg, "user")
		d.Password = stringValue(cfg, "password")
		d.Host = stringValue(cfg, "host")
		d.DBName = stringValue(cfg, "dbname")
		port, err := intValue(cfg, "port", defaultPostgresPort)
		if err != nil {
			return Descriptor{}, err
		}
		d.Port = port
	case KindOracle:
		d.User = stringValue(cfg, "user")
		d.Password = stringValue(cfg, "password")
		if dsn := stringValue(cfg, "dsn"); dsn != "" {
			host, port, service, err := splitOracleDSN(dsn)
			if err != nil {
				return Descriptor{}, err
			}
			d.Host, d.Port, d.DBName = host, port, service
		} else {
			d.Host = stringValue(cfg, "host")
			d.DBName = firstNonEmpty(stringValue(cfg, "service_name"), stringValue(cfg, "dbname"))
			port, err := intValue(cfg, "port", defaultOraclePort)
			if err != nil {
				return Descriptor{}, err
			}
			d.Port = port
		}
	default:
		return Descriptor{}, &ConfigError{
			Msg: fmt.Sprintf("Unsupported 'db_type': %s. Must be 'sqlite', 'postgresql', or 'oracle'.", kind),
		}
	}
	return d, nil
}

// CacheKey identifies the data source for the report cache. Passwords are
// never part of the key.
func (d Descriptor) CacheKey() string {
	if d.Kind == KindSQLite {
		return d.Path
	}
	return strings.Join([]string{
		string(d.Kind), d.User, d.Host, strconv.Itoa(d.Port), d.DBName,
	}, "|")
}

// splitOracleDSN parses the easy connect form host[:port]/service.
func splitOracleDSN(dsn string) (host string, port int, service string, err error) {
	dsn = strings.TrimPrefix(dsn, "//")
	addr, service, ok := strings.Cut(dsn, "/")
	if !ok || service == "" {
		return "", 0, "", &ConfigError{Msg: fmt.Sprintf("invalid Oracle dsn %q, expected host:port/service.", dsn)}
	}
	host, portText, hasPort := strings.Cut(addr, ":")
	port = defaultOraclePort
	if hasPort {
		port, err = strconv.Atoi(portText)
		if err != nil {
			return "", 0, "", &ConfigError{Msg: fmt.Sprintf("invalid port in Oracle dsn %q.", dsn)}
		}
	}
	return host, port, service, nil
}

func stringValue(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// intValue accepts JSON numbers and numeric strings.
func intValue(cfg map[string]any, key string, fallback int) (int, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return fallback, nil
	}
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case string:
		if strings.TrimSpace(t) == "" {
			return fallback, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, &ConfigError{Msg: fmt.Sprintf("'%s' must be a number, got %q.", key, t)}
		}
		return n, nil
	default:
		return 0, &ConfigError{Msg: fmt.Sprintf("'%s' must be a number.", key)}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
