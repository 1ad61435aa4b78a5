package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/tillware/possync/internal/server"
	"github.com/tillware/possync/internal/types"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local dev tenant API with a sample catalog",
	Long:  "Serves the tenant API wire contract from memory so a register can be developed and tested without the hosted backend.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8787", "Listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	apiKey := os.Getenv("POSSYNC_DEV_API_KEY")
	if apiKey == "" {
		apiKey = "dev-key"
	}

	srv := server.New(apiKey, Version)
	srv.LoadCatalog(sampleCatalog())

	httpSrv := &http.Server{
		Addr:         serveAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		slog.Info("dev tenant server starting", "address", serveAddr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func sampleCatalog() ([]types.CachedProduct, []types.CachedCategory) {
	products := []types.CachedProduct{
		{ID: "P101", Name: "Espresso", SKU: "ESP-01", CategoryID: "C1", Price: decimal.RequireFromString("4.50"), Taxable: true, TaxRate: decimal.RequireFromString("0.10"), TrackStock: false},
		{ID: "P102", Name: "Flat White", SKU: "FLW-01", CategoryID: "C1", Price: decimal.RequireFromString("5.00"), Taxable: true, TaxRate: decimal.RequireFromString("0.10"), TrackStock: false},
		{ID: "P201", Name: "Croissant", SKU: "CRS-01", CategoryID: "C2", Price: decimal.RequireFromString("3.25"), TrackStock: true, StockQty: 40},
		{ID: "P202", Name: "Banana Bread", SKU: "BNB-01", CategoryID: "C2", Price: decimal.RequireFromString("4.00"), TrackStock: true, StockQty: 25},
	}
	categories := []types.CachedCategory{
		{ID: "C1", Name: "Drinks", SortOrder: 1},
		{ID: "C2", Name: "Bakery", SortOrder: 2},
	}
	return products, categories
}
