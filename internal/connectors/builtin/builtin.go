// Package builtin assembles the connectors shipped with relay from
// configuration.
package builtin

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mpataki/relay/internal/config"
	"github.com/mpataki/relay/internal/connector"
	"github.com/mpataki/relay/internal/connectors/email"
	"github.com/mpataki/relay/internal/connectors/file"
	"github.com/mpataki/relay/internal/connectors/httpcall"
	"github.com/mpataki/relay/internal/connectors/kv"
	"github.com/mpataki/relay/internal/connectors/script"
	sqlconn "github.com/mpataki/relay/internal/connectors/sql"
)

var ErrMissingDSN = errors.New("sql connector requires a dsn")

// Connectors builds every built-in connector enabled by cfg. The kv
// connector is only included when a Redis address is configured.
func Connectors(cfg *config.ConnectorsConfig, logger *zap.Logger) ([]connector.Connector, error) {
	if cfg.SQL.DSN == "" {
		return nil, fmt.Errorf("%w (driver %s)", ErrMissingDSN, cfg.SQL.Driver)
	}
	db, err := sqlconn.Open(cfg.SQL.Driver, cfg.SQL.DSN)
	if err != nil {
		return nil, err
	}

	cs := []connector.Connector{
		file.New(cfg.File.BaseDir),
		db,
		email.New(email.Config{
			SMTPAddr:  cfg.Email.SMTPAddr,
			From:      cfg.Email.From,
			OutboxDir: cfg.Email.OutboxDir,
		}),
		httpcall.New(cfg.HTTP.Timeout, logger.Named("http")),
		script.New(),
	}
	if cfg.Redis.Addr != "" {
		cs = append(cs, kv.New(kv.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
	}
	return cs, nil
}

// Load builds the built-in connectors and installs them as the registry's
// connector set, replacing whatever it held
func Load(reg *connector.Registry, cfg *config.ConnectorsConfig, logger *zap.Logger) error {
	cs, err := Connectors(cfg, logger)
	if err != nil {
		return err
	}
	if err := reg.Reload(cs...); err != nil {
		for _, c := range cs {
			if cl, ok := c.(connector.Closer); ok {
				_ = cl.Close()
			}
		}
		return err
	}
	return nil
}
