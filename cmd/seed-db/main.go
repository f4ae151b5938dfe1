package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-payments/internal/domain/address"
	"github.com/xenking/storefront-payments/internal/domain/auth"
	"github.com/xenking/storefront-payments/internal/domain/product"
	"github.com/xenking/storefront-payments/internal/repository"
)

type productJSON struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Category string          `json:"category"`
}

type options struct {
	databaseURL  string
	productsFile string
	userID       string
	sellerID     string
	jwtSecret    string
	jwtIssuer    string
	tokenTTL     time.Duration
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&opts.userID, "user-id", "demo-user", "demo customer id")
	flag.StringVar(&opts.sellerID, "seller-id", "demo-seller", "demo seller id")
	flag.StringVar(&opts.jwtSecret, "jwt-secret", "", "HS256 secret for dev tokens (or SHOP_AUTH_JWT_SECRET env)")
	flag.StringVar(&opts.jwtIssuer, "jwt-issuer", "", "issuer claim for dev tokens")
	flag.DurationVar(&opts.tokenTTL, "token-ttl", 24*time.Hour, "lifetime of dev tokens")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if opts.jwtSecret == "" {
		opts.jwtSecret = os.Getenv("SHOP_AUTH_JWT_SECRET")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, opts options) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, opts.databaseURL, repository.PoolConfig{})
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	products, err := seedProducts(ctx, repository.NewProductRepository(pool), opts.productsFile)
	if err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedAddress(ctx, repository.NewAddressRepository(pool), opts.userID); err != nil {
		return errors.Wrap(err, "seed address")
	}

	if err := seedCart(ctx, repository.NewCartRepository(pool), opts.userID, products); err != nil {
		return errors.Wrap(err, "seed cart")
	}

	if opts.jwtSecret == "" {
		slog.Warn("no JWT secret given, skipping dev tokens")
		return nil
	}
	return printTokens(opts)
}

func seedProducts(ctx context.Context, repo *repository.ProductRepository, productsFile string) ([]product.Product, error) {
	slog.Info("reading products file", slog.String("path", productsFile))

	data, err := os.ReadFile(productsFile)
	if err != nil {
		return nil, errors.Wrap(err, "read products file")
	}

	var raw []productJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse products JSON")
	}

	products := make([]product.Product, len(raw))
	for i, p := range raw {
		products[i] = product.Product{ID: p.ID, Name: p.Name, Price: p.Price, Category: p.Category}
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	if err := repo.Upsert(ctx, products...); err != nil {
		return nil, errors.Wrap(err, "upsert products")
	}
	return products, nil
}

func seedAddress(ctx context.Context, repo *repository.AddressRepository, userID string) error {
	a := address.Address{
		ID:        userID + "-home",
		UserID:    userID,
		FirstName: "Demo",
		LastName:  "Customer",
		Street:    "221 MG Road",
		City:      "Bengaluru",
		State:     "Karnataka",
		Zipcode:   "560001",
		Country:   "IN",
		Phone:     "+91 80 0000 0000",
	}
	if err := repo.Upsert(ctx, a); err != nil {
		return err
	}

	slog.Info("upserted address", slog.String("id", a.ID), slog.String("user_id", userID))
	return nil
}

func seedCart(ctx context.Context, repo *repository.CartRepository, userID string, products []product.Product) error {
	for i, p := range products {
		if i == 2 {
			break
		}
		if err := repo.SetQuantity(ctx, userID, p.ID, i+1); err != nil {
			return errors.Wrapf(err, "add %s to cart", p.ID)
		}
	}

	slog.Info("seeded cart", slog.String("user_id", userID))
	return nil
}

func printTokens(opts options) error {
	tokens := auth.NewTokens([]byte(opts.jwtSecret), opts.jwtIssuer)

	for _, id := range []auth.Identity{
		{UserID: opts.userID, Role: auth.RoleCustomer},
		{UserID: opts.sellerID, Role: auth.RoleSeller},
	} {
		tok, err := tokens.Issue(id, opts.tokenTTL)
		if err != nil {
			return errors.Wrapf(err, "issue token for %s", id.UserID)
		}
		fmt.Printf("%s (%s): Bearer %s\n", id.UserID, id.Role, tok)
	}
	return nil
}
