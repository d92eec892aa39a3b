package main

import (
	"context"
	"fmt"
	"strings"

	"chatgateway/internal/auth"
	"chatgateway/internal/config"
	"chatgateway/internal/db"
	clog "chatgateway/internal/log"
	"chatgateway/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// openDB 为运维子命令加载配置并连接数据库。
func openDB(ctx context.Context) (config.Config, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	clog.Init(cfg.Env, cfg.LogLevel)
	gdb, err := db.Connect(ctx, cfg.DatabaseDSN)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, gdb, nil
}

func closeDB(gdb *gorm.DB) {
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, gdb, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(gdb)
			if err := db.Migrate(gdb); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

type tenantInput struct {
	Subdomain string `validate:"required,max=63,hostname_rfc1123,excludes=."`
}

func newTenantCmd() *cobra.Command {
	tenant := &cobra.Command{Use: "tenant", Short: "Manage tenants"}

	var subdomain string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant and print its API key",
		Long: `Creates a tenant bound to a host subdomain (acme -> acme.example.com).
The API key is printed once; only its bcrypt hash is stored.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := tenantInput{Subdomain: strings.ToLower(strings.TrimSpace(subdomain))}
			if err := validator.New().Struct(in); err != nil {
				return fmt.Errorf("invalid subdomain %q", subdomain)
			}
			_, gdb, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(gdb)

			key, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(key)
			if err != nil {
				return err
			}
			t := models.Tenant{ID: uuid.NewString(), Subdomain: in.Subdomain, APIKeyHash: hash, Status: models.TenantActive}
			if err := gdb.WithContext(cmd.Context()).Create(&t).Error; err != nil {
				return fmt.Errorf("create tenant: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tenant_id: %s\n", t.ID)
			fmt.Fprintf(out, "subdomain: %s\n", t.Subdomain)
			fmt.Fprintf(out, "api_key:   %s\n", key)
			return nil
		},
	}
	create.Flags().StringVar(&subdomain, "subdomain", "", "tenant subdomain (required)")
	_ = create.MarkFlagRequired("subdomain")

	var disable string
	deactivate := &cobra.Command{
		Use:   "deactivate",
		Short: "Reject new connections for a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, gdb, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(gdb)
			res := gdb.WithContext(cmd.Context()).Model(&models.Tenant{}).
				Where("subdomain = ?", strings.ToLower(disable)).Update("status", models.TenantInactive)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("tenant %q not found", disable)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s deactivated\n", disable)
			return nil
		},
	}
	deactivate.Flags().StringVar(&disable, "subdomain", "", "tenant subdomain (required)")
	_ = deactivate.MarkFlagRequired("subdomain")

	tenant.AddCommand(create, deactivate)
	return tenant
}

type adminInput struct {
	Subdomain string `validate:"required"`
	Name      string `validate:"required,max=128"`
	Password  string `validate:"required,min=8,max=72"`
}

func newAdminCmd() *cobra.Command {
	admin := &cobra.Command{Use: "admin", Short: "Manage support agents"}

	var in adminInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a support agent and print a first access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.Subdomain = strings.ToLower(strings.TrimSpace(in.Subdomain))
			in.Name = strings.TrimSpace(in.Name)
			if err := validator.New().Struct(in); err != nil {
				return fmt.Errorf("invalid input: %w", err)
			}
			cfg, gdb, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(gdb)

			var t models.Tenant
			if err := gdb.WithContext(cmd.Context()).Where("subdomain = ?", in.Subdomain).First(&t).Error; err != nil {
				return fmt.Errorf("tenant %q: %w", in.Subdomain, err)
			}
			hash, err := auth.HashPassword(in.Password)
			if err != nil {
				return err
			}
			a := models.Admin{ID: uuid.NewString(), TenantID: t.ID, Name: in.Name, PasswordHash: hash}
			if err := gdb.WithContext(cmd.Context()).Create(&a).Error; err != nil {
				return fmt.Errorf("create admin: %w", err)
			}
			tok, err := auth.GenerateAccessToken(a.ID, t.ID, cfg.JWTSecret, cfg.AccessTokenTTL)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "admin_id:     %s\n", a.ID)
			fmt.Fprintf(out, "access_token: %s\n", tok)
			return nil
		},
	}
	create.Flags().StringVar(&in.Subdomain, "tenant", "", "tenant subdomain (required)")
	create.Flags().StringVar(&in.Name, "name", "", "login name (required)")
	create.Flags().StringVar(&in.Password, "password", "", "login password, 8-72 chars (required)")
	for _, f := range []string{"tenant", "name", "password"} {
		_ = create.MarkFlagRequired(f)
	}

	admin.AddCommand(create)
	return admin
}
