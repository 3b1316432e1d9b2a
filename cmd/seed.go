package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/key-broker/internal/config"
	"github.com/jmehdipour/key-broker/internal/db"
	"github.com/jmehdipour/key-broker/internal/model"
	"github.com/jmehdipour/key-broker/internal/repository"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the registry with demo credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		store := repository.NewCredentialStoreMySQL(sqlDB)

		demo := []struct {
			id, secret string
			tier       model.Tier
			priority   int
		}{
			{"demo-free-1", "sk-demo-free-0001", model.TierFree, 10},
			{"demo-free-2", "sk-demo-free-0002", model.TierFree, 10},
			{"demo-paid-1", "sk-demo-paid-0001", model.TierPaid, 20},
		}

		for _, d := range demo {
			err := store.Add(cmd.Context(), d.id, d.secret, d.tier, d.priority)
			switch {
			case err == repository.ErrCredentialExists:
				fmt.Printf("skip %s (exists)\n", d.id)
			case err != nil:
				return fmt.Errorf("seed %s: %w", d.id, err)
			default:
				fmt.Printf("added %s (%s)\n", d.id, d.tier)
			}
		}

		fmt.Println(">> Seed complete")
		return nil
	},
}
