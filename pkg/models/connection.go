package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DatabaseType is the dialect tag of a connection.
type DatabaseType string

const (
	DatabasePostgres  DatabaseType = "postgres"
	DatabaseMySQL     DatabaseType = "mysql"
	DatabaseSQLServer DatabaseType = "sqlserver"
	DatabaseOracle    DatabaseType = "oracle"
	DatabaseMongoDB   DatabaseType = "mongodb"
	DatabaseSnowflake DatabaseType = "snowflake"
	DatabaseS3        DatabaseType = "s3"
)

// secretPrefix marks additional_config keys that may rotate like credentials.
const secretPrefix = "secret."

// Connection describes how to reach a source or target system.
type Connection struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	DatabaseType     DatabaseType      `json:"database_type"`
	Host             string            `json:"host"`
	Port             int               `json:"port"`
	Username         string            `json:"username"`
	Password         string            `json:"password,omitempty"`
	Database         string            `json:"database"`
	Schema           string            `json:"schema"`
	AdditionalConfig map[string]string `json:"additional_config,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Validate checks the fields every dialect needs.
func (c *Connection) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("connection name is required")
	}
	if c.DatabaseType == "" {
		return fmt.Errorf("database_type is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

// Option returns an additional_config value.
func (c *Connection) Option(key string) (string, bool) {
	if c.AdditionalConfig == nil {
		return "", false
	}
	v, ok := c.AdditionalConfig[key]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// OptionOr returns an additional_config value or def.
func (c *Connection) OptionOr(key, def string) string {
	if v, ok := c.Option(key); ok {
		return v
	}
	return def
}

// Address returns host:port, or host when no port is set.
func (c *Connection) Address() string {
	if c.Port == 0 {
		return c.Host
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CredentialOnlyChange reports whether next differs from c only in credentials.
func (c *Connection) CredentialOnlyChange(next *Connection) bool {
	if c.Name != next.Name || c.DatabaseType != next.DatabaseType ||
		c.Host != next.Host || c.Port != next.Port ||
		c.Database != next.Database || c.Schema != next.Schema {
		return false
	}
	keys := make(map[string]struct{})
	for k := range c.AdditionalConfig {
		keys[k] = struct{}{}
	}
	for k := range next.AdditionalConfig {
		keys[k] = struct{}{}
	}
	for k := range keys {
		if strings.HasPrefix(k, secretPrefix) {
			continue
		}
		if c.AdditionalConfig[k] != next.AdditionalConfig[k] {
			return false
		}
	}
	return true
}

// Redacted returns a copy safe to log or return over the API.
func (c *Connection) Redacted() *Connection {
	out := c.Clone()
	if out.Password != "" {
		out.Password = "********"
	}
	for k := range out.AdditionalConfig {
		if strings.HasPrefix(k, secretPrefix) {
			out.AdditionalConfig[k] = "********"
		}
	}
	return out
}

// Clone returns a deep copy.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	out := *c
	if c.AdditionalConfig != nil {
		out.AdditionalConfig = make(map[string]string, len(c.AdditionalConfig))
		for k, v := range c.AdditionalConfig {
			out.AdditionalConfig[k] = v
		}
	}
	return &out
}

// OptionKeys returns the sorted additional_config keys.
func (c *Connection) OptionKeys() []string {
	keys := make([]string, 0, len(c.AdditionalConfig))
	for k := range c.AdditionalConfig {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
