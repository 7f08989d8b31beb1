package main

import (
	"fmt"

	"github.com/iTrooz/offline-cache-proxy/internal/proxy"
	"github.com/iTrooz/offline-cache-proxy/internal/worker"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newStoresCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stores",
		Short: "List the cache stores",
		Long: `List the cache stores kept by the configured backend with their entry
counts. The store of the configured worker version is flagged active.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, nil)
			if err != nil {
				return err
			}
			storage, err := proxy.OpenStorage(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = storage.Close() }()

			active := worker.CacheName(cfg.Worker.AppName, cfg.Worker.Version)
			stores, err := proxy.ListStores(cmd.Context(), storage, active)
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer func() { _ = enc.Close() }()
			return enc.Encode(stores)
		},
	}
}

func newPurgeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "purge [store...]",
		Short: "Delete cache stores",
		Long:  `Delete the named cache stores, or every store when none is named.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, nil)
			if err != nil {
				return err
			}
			storage, err := proxy.OpenStorage(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = storage.Close() }()

			deleted, err := proxy.PurgeStores(cmd.Context(), storage, args)
			for _, name := range deleted {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			if err != nil {
				return err
			}
			logrus.Infof("Deleted %d cache stores", len(deleted))
			return nil
		},
	}
}
