package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"

	"kitchenplan/backend/internal/app"
	"kitchenplan/backend/internal/config"
	"kitchenplan/backend/internal/domain"
	"kitchenplan/backend/internal/logger"
	"kitchenplan/backend/internal/service"
	"kitchenplan/backend/internal/store"
	pgstore "kitchenplan/backend/internal/store/postgres"
)

type runtimeKey struct{}

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		logger.Log.Fatal().Err(err).Msg("plannerctl failed")
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "plannerctl",
		Usage:  "Run kitchen planning operations against the configured store",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-url",
				Usage:   "Database connection string (empty uses the in-memory demo kitchen)",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for cache, locks and notices",
				EnvVars: []string{"REDIS_ADDR"},
			},
			&cli.StringFlag{
				Name:    "owner",
				Usage:   "Kitchen (owner) to operate on",
				EnvVars: []string{"DEFAULT_OWNER_ID"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "explode",
				Usage:  "Explode the sales forecast of a date into production orders",
				Flags:  []cli.Flag{dateFlag()},
				Before: openRuntime,
				After:  closeRuntime,
				Action: runExplode,
			},
			{
				Name:      "demand",
				Usage:     "Print projected demand of a stock item from planned production orders",
				ArgsUsage: "<stock-item-id>",
				Before:    openRuntime,
				After:     closeRuntime,
				Action:    runDemand,
			},
			{
				Name:   "purchase-needs",
				Usage:  "List suggested purchases, urgent first",
				Before: openRuntime,
				After:  closeRuntime,
				Action: runPurchaseNeeds,
			},
			{
				Name:      "start-order",
				Usage:     "Start a planned production order and consume its ingredients",
				ArgsUsage: "<production-order-id>",
				Before:    openRuntime,
				After:     closeRuntime,
				Action:    runStartOrder,
			},
			{
				Name:  "create-user",
				Usage: "Create a login for the kitchen",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "username", Required: true},
					&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"NEW_USER_PASSWORD"}},
					&cli.StringFlag{Name: "role", Value: "kitchen", Usage: "admin or kitchen"},
				},
				Before: openRuntime,
				After:  closeRuntime,
				Action: runCreateUser,
			},
			{
				Name:   "migrate",
				Usage:  "Apply the database schema",
				Action: runMigrate,
			},
		},
	}
}

func dateFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "date",
		Usage:    "Target consumption date (YYYY-MM-DD)",
		Required: true,
	}
}

func loadConfig(c *cli.Context) config.Config {
	cfg := config.Load()
	if c.IsSet("db-url") {
		cfg.DatabaseURL = strings.TrimSpace(c.String("db-url"))
	}
	if c.IsSet("redis-addr") {
		cfg.RedisAddr = strings.TrimSpace(c.String("redis-addr"))
	}
	if owner := strings.TrimSpace(c.String("owner")); owner != "" {
		cfg.OwnerID = owner
	}
	logger.SetLevel(c.String("log-level"))
	return cfg
}

func openRuntime(c *cli.Context) error {
	rt, err := app.Open(c.Context, loadConfig(c))
	if err != nil {
		return err
	}
	c.Context = context.WithValue(c.Context, runtimeKey{}, rt)
	return nil
}

func closeRuntime(c *cli.Context) error {
	if rt, ok := c.Context.Value(runtimeKey{}).(*app.Runtime); ok && rt != nil {
		rt.Close()
	}
	return nil
}

func runtimeFrom(c *cli.Context) (*app.Runtime, error) {
	rt, ok := c.Context.Value(runtimeKey{}).(*app.Runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialised")
	}
	return rt, nil
}

func runExplode(c *cli.Context) error {
	rt, err := runtimeFrom(c)
	if err != nil {
		return err
	}
	target, err := service.ParseDate(c.String("date"))
	if err != nil {
		return err
	}
	report, err := rt.Service.Explode(c.Context, "", target)
	if err != nil {
		return fmt.Errorf("explode %s: %w", c.String("date"), err)
	}
	return printJSON(c, report)
}

func runDemand(c *cli.Context) error {
	rt, err := runtimeFrom(c)
	if err != nil {
		return err
	}
	id := strings.TrimSpace(c.Args().First())
	if id == "" {
		return errors.New("stock item id required")
	}
	total, err := rt.Service.TotalProjectedDemand(c.Context, "", id)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, total.String())
	return err
}

func runPurchaseNeeds(c *cli.Context) error {
	rt, err := runtimeFrom(c)
	if err != nil {
		return err
	}
	needs, err := rt.Service.ComputePurchaseNeeds(c.Context, "")
	if err != nil {
		return err
	}
	return printJSON(c, needs)
}

func runStartOrder(c *cli.Context) error {
	rt, err := runtimeFrom(c)
	if err != nil {
		return err
	}
	id := strings.TrimSpace(c.Args().First())
	if id == "" {
		return errors.New("production order id required")
	}
	resp, err := rt.Service.StartProductionOrder(c.Context, "", id)
	if err != nil {
		return fmt.Errorf("start %s: %w", id, err)
	}
	return printJSON(c, resp)
}

func runCreateUser(c *cli.Context) error {
	rt, err := runtimeFrom(c)
	if err != nil {
		return err
	}
	owner := loadConfig(c).OwnerID
	user, err := createUser(c.Context, rt.Repo, owner, c.String("username"), c.String("password"), c.String("role"))
	if err != nil {
		return err
	}
	return printJSON(c, user)
}

// createUser stores a new active account with a bcrypt-hashed password.
// Duplicate usernames fail with store.ErrConflict.
func createUser(ctx context.Context, repo store.Repository, ownerID, username, password, role string) (domain.UserAccount, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role != "admin" && role != "kitchen" {
		return domain.UserAccount{}, fmt.Errorf("%w: role must be admin or kitchen", store.ErrInvalidInput)
	}
	if len(password) < 8 {
		return domain.UserAccount{}, fmt.Errorf("%w: password must be at least 8 characters", store.ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.UserAccount{}, err
	}
	user := domain.UserAccount{
		Username: strings.ToLower(strings.TrimSpace(username)),
		Password: string(hash),
		Role:     role,
		OwnerID:  ownerID,
		Active:   true,
	}
	if err := repo.CreateUser(ctx, user); err != nil {
		return domain.UserAccount{}, fmt.Errorf("create user %s: %w", user.Username, err)
	}
	return user, nil
}

func runMigrate(c *cli.Context) error {
	cfg := loadConfig(c)
	if cfg.DatabaseURL == "" {
		return errors.New("migrate needs --db-url or DATABASE_URL")
	}
	pg, err := pgstore.New(c.Context, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := pg.Migrate(c.Context); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	_, err = fmt.Fprintln(c.App.Writer, "schema applied")
	return err
}

func printJSON(c *cli.Context, payload any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
