package opsstore

import "fmt"

// New selects an ops Store implementation by driver name ("sqlite", the
// default, or "postgres").
func New(driver, dsn string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(dsn)
	case "sqlite", "":
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("opsstore: unsupported driver %q", driver)
	}
}
