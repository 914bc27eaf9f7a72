package handlers

import (
	"context"
	"fmt"

	"github.com/modelplane/modelplane/internal/config"
	"github.com/modelplane/modelplane/internal/store"
	"github.com/modelplane/modelplane/internal/util/prerequisites"
)

// Doctor checks that the control plane can run with the given
// configuration: the config parses, the database answers, and the IaC
// binary is installed.
func Doctor(_ context.Context, configPath string) error {
	fmt.Printf("config %s: ", configPath)
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		fmt.Println("FAIL")
		return err
	}
	fmt.Println("ok")

	fmt.Printf("database (%s): ", cfg.Database.Driver)
	db, err := store.Open(store.DatabaseConfig{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		fmt.Println("FAIL")
		return err
	}
	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		fmt.Println("FAIL")
		return fmt.Errorf("database ping: %w", err)
	}
	fmt.Println("ok")

	fmt.Printf("iac binary (%s): ", cfg.Pipeline.IaCBinary)
	results := prerequisites.Check(prerequisites.ServeTools(cfg.Pipeline.IaCBinary))
	if results.HasErrors() {
		fmt.Println("FAIL")
		return results.Error()
	}
	for _, r := range results.Results {
		if r.Version != "" {
			fmt.Printf("ok (%s)\n", r.Version)
		} else {
			fmt.Println("ok")
		}
	}

	fmt.Println("all checks passed")
	return nil
}
