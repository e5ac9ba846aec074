package main

import (
	"github.com/MarcoPoloResearchLab/timberline/internal/auth"
	"github.com/MarcoPoloResearchLab/timberline/internal/config"
	"github.com/MarcoPoloResearchLab/timberline/internal/database"
	"github.com/MarcoPoloResearchLab/timberline/internal/keys"
	"github.com/MarcoPoloResearchLab/timberline/internal/logging"
	"github.com/MarcoPoloResearchLab/timberline/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// runtime holds the stores shared by the server and the operator commands.
type runtime struct {
	logger    *zap.Logger
	registry  *database.Registry
	directory *records.Directory
	controlDB *gorm.DB
	keys      *keys.Service
	issuer    *auth.KeyIssuer
}

func openRuntime(appConfig config.AppConfig) (*runtime, error) {
	logger, err := logging.NewLogger(logging.Config{
		Level:      appConfig.LogLevel,
		File:       appConfig.LogFile,
		MaxSizeMB:  appConfig.LogMaxSizeMB,
		MaxBackups: appConfig.LogMaxBackups,
	})
	if err != nil {
		return nil, err
	}
	rt := &runtime{logger: logger}

	rt.registry, err = database.NewRegistry(database.RegistryConfig{
		Directory:     appConfig.DatabaseDir,
		CreateMissing: appConfig.CreateMissingTenants,
		MaxOpenConns:  appConfig.DatabaseMaxOpenConns,
		Models:        records.Models(),
		Migrations:    records.Migrations(),
		Logger:        logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.directory, err = records.NewDirectory(records.DirectoryConfig{
		Registry: rt.registry,
		Logger:   logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.controlDB, err = keys.OpenControlDatabase(appConfig.DatabaseDir, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.keys, err = keys.NewService(keys.ServiceConfig{Database: rt.controlDB, Logger: logger})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.issuer, err = auth.NewKeyIssuer(auth.KeyIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		TTL:           appConfig.KeyTTL,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close releases every tenant store and the control database.
func (rt *runtime) Close() {
	if rt.registry != nil {
		if err := rt.registry.Close(); err != nil {
			rt.logger.Error("failed to close tenant stores", zap.Error(err))
		}
	}
	if rt.controlDB != nil {
		if sqlDB, err := rt.controlDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = rt.logger.Sync()
}
