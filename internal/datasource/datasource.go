// Package datasource enumerates the supported backend families and their
// connection-shape requirements. The family set is closed; new sub-variants
// register by extending the subtype table.
package datasource

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

type Family string

const (
	FamilyRelational Family = "relational"
	FamilyDocument   Family = "document"
	FamilyGraph      Family = "graph"
)

type Subtype string

const (
	SubtypePostgres  Subtype = "postgres"
	SubtypeMySQL     Subtype = "mysql"
	SubtypeSQLite    Subtype = "sqlite"
	SubtypeDuckDB    Subtype = "duckdb"
	SubtypeSQLServer Subtype = "sqlserver"
	SubtypeOracle    Subtype = "oracle"
	SubtypeMongoDB   Subtype = "mongodb"
	SubtypeNeo4j     Subtype = "neo4j"
)

var ErrUnknownSubtype = errors.New("datasource: unknown subtype")

var subtypeFamilies = map[Subtype]Family{
	SubtypePostgres:  FamilyRelational,
	SubtypeMySQL:     FamilyRelational,
	SubtypeSQLite:    FamilyRelational,
	SubtypeDuckDB:    FamilyRelational,
	SubtypeSQLServer: FamilyRelational,
	SubtypeOracle:    FamilyRelational,
	SubtypeMongoDB:   FamilyDocument,
	SubtypeNeo4j:     FamilyGraph,
}

// Family resolves the backend family for a subtype.
func (s Subtype) Family() (Family, error) {
	family, ok := subtypeFamilies[s]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSubtype, s)
	}
	return family, nil
}

// Subtypes returns the supported subtypes in stable order.
func Subtypes() []Subtype {
	subtypes := make([]Subtype, 0, len(subtypeFamilies))
	for subtype := range subtypeFamilies {
		subtypes = append(subtypes, subtype)
	}
	sort.Slice(subtypes, func(i, j int) bool { return subtypes[i] < subtypes[j] })
	return subtypes
}

// ParseSubtype normalizes a subtype string.
func ParseSubtype(raw string) (Subtype, error) {
	subtype := Subtype(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := subtypeFamilies[subtype]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSubtype, raw)
	}
	return subtype, nil
}

// ConnectionConfig carries everything needed to reach a backend. It is
// received per call and never persisted or cached by the engine; Password
// is excluded from Identity and from log output.
type ConnectionConfig struct {
	Subtype  Subtype
	Host     string
	Port     int
	Database string
	Username string
	Password string
	TLS      bool
	Extra    map[string]string
}

// Identity returns a credential-free identity string used in cache keys
// for the execution-result namespace.
func (c ConnectionConfig) Identity() string {
	return fmt.Sprintf("%s|%s|%d|%s|%s", c.Subtype, c.Host, c.Port, c.Database, c.Username)
}

// LogValue redacts credentials. slog resolves this whenever a
// ConnectionConfig lands in a log record.
func (c ConnectionConfig) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("subtype", string(c.Subtype)),
		slog.String("host", c.Host),
		slog.Int("port", c.Port),
		slog.String("database", c.Database),
		slog.String("username", c.Username),
	}
	if c.Password != "" {
		attrs = append(attrs, slog.String("password", "[redacted]"))
	}
	return slog.GroupValue(attrs...)
}

// Validate checks the connection-shape requirements of the subtype's
// family: file-backed engines need a database path, network engines need a
// host.
func (c ConnectionConfig) Validate() error {
	family, err := c.Subtype.Family()
	if err != nil {
		return err
	}
	switch c.Subtype {
	case SubtypeSQLite, SubtypeDuckDB:
		if strings.TrimSpace(c.Database) == "" {
			return fmt.Errorf("datasource %s: database path is required", c.Subtype)
		}
		return nil
	}
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("datasource %s: host is required", c.Subtype)
	}
	if family != FamilyGraph && strings.TrimSpace(c.Database) == "" {
		return fmt.Errorf("datasource %s: database is required", c.Subtype)
	}
	return nil
}
