package pool

import (
	"context"
	"database/sql/driver"
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/systmms/dbrotate/internal/secure"
)

const defaultMySQLPort = "3306"

// sealedConnector opens physical connections for one username. The password
// stays in a memguard enclave and is only opened for the duration of a dial.
type sealedConnector struct {
	driverName     string
	target         *url.URL
	username       string
	password       *secure.Sealed
	connectTimeout time.Duration
}

var _ driver.Connector = (*sealedConnector)(nil)

// Connect implements driver.Connector.
func (c *sealedConnector) Connect(ctx context.Context) (driver.Conn, error) {
	var conn driver.Conn
	err := c.password.Use(func(pw []byte) error {
		inner, err := c.connector(string(pw))
		if err != nil {
			return err
		}
		conn, err = inner.Connect(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Driver implements driver.Connector.
func (c *sealedConnector) Driver() driver.Driver {
	if c.driverName == "mysql" {
		return &mysql.MySQLDriver{}
	}
	return &pq.Driver{}
}

func (c *sealedConnector) connector(password string) (driver.Connector, error) {
	switch c.driverName {
	case "postgres":
		return pq.NewConnector(c.postgresDSN(password))
	case "mysql":
		cfg, err := c.mysqlConfig(password)
		if err != nil {
			return nil, err
		}
		return mysql.NewConnector(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", c.driverName)
	}
}

// postgresDSN renders the target URL with the pool's credentials and a
// connect_timeout unless the URL already sets one.
func (c *sealedConnector) postgresDSN(password string) string {
	u := *c.target
	u.User = url.UserPassword(c.username, password)
	q := u.Query()
	if c.connectTimeout > 0 && q.Get("connect_timeout") == "" {
		// lib/pq takes whole seconds.
		q.Set("connect_timeout", strconv.Itoa(int(math.Ceil(c.connectTimeout.Seconds()))))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// mysqlConfig translates mysql://host:port/db?params into a driver config.
func (c *sealedConnector) mysqlConfig(password string) (*mysql.Config, error) {
	addr := c.target.Host
	if c.target.Port() == "" {
		addr = net.JoinHostPort(c.target.Hostname(), defaultMySQLPort)
	}
	dsn := fmt.Sprintf("tcp(%s)/%s", addr, strings.TrimPrefix(c.target.Path, "/"))
	if c.target.RawQuery != "" {
		dsn += "?" + c.target.RawQuery
	}

	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql url: %w", err)
	}
	cfg.User = c.username
	cfg.Passwd = password
	if cfg.Timeout == 0 {
		cfg.Timeout = c.connectTimeout
	}
	return cfg, nil
}
