package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_DATABASE_URL":        "postgres://localhost:5432/commerce",
		"API_FIREBASE_PROJECT_ID": "shop-dev",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout != 30*time.Second {
		t.Errorf("unexpected request timeout: %s", cfg.Server.RequestTimeout)
	}
	if cfg.Database.MaxConns != 10 || cfg.Database.MigrateOnStart {
		t.Errorf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Checkout.OrderNumberPrefix != "ORD" || cfg.Checkout.Currency != "INR" {
		t.Errorf("unexpected checkout defaults: %+v", cfg.Checkout)
	}
	if cfg.Checkout.TaxRate.String() != "0.18" || cfg.Checkout.ShippingFee.StringFixed(2) != "99.00" || cfg.Checkout.FreeShippingThreshold.StringFixed(2) != "999.00" {
		t.Errorf("unexpected pricing defaults: %+v", cfg.Checkout)
	}
	if cfg.Checkout.Location == nil || cfg.Checkout.Location.String() != "UTC" {
		t.Errorf("expected UTC location, got %v", cfg.Checkout.Location)
	}
	if cfg.Auth.Mode != AuthModeFirebase {
		t.Errorf("expected firebase auth mode, got %s", cfg.Auth.Mode)
	}
	if cfg.Firestore.ProjectID != "shop-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.OIDC.JWKSURL != defaultOIDCJWKSURL || cfg.OIDC.Issuer != defaultOIDCIssuer {
		t.Errorf("unexpected oidc defaults: %+v", cfg.OIDC)
	}
	if cfg.Idempotency.Backend != IdempotencyBackendMemory || cfg.Idempotency.TTL != defaultIdempotencyTTL || cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("unexpected idempotency defaults: %+v", cfg.Idempotency)
	}
	if cfg.Events.Backend != EventsBackendNone || cfg.Events.KafkaTopic != "order-events" {
		t.Errorf("unexpected events defaults: %+v", cfg.Events)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                      "9090",
		"API_SERVER_REQUEST_TIMEOUT":           "5s",
		"API_DATABASE_URL":                     "sm://db-url",
		"API_DATABASE_MAX_CONNS":               "25",
		"API_DATABASE_MIGRATE_ON_START":        "yes",
		"API_CHECKOUT_ORDER_NUMBER_PREFIX":     "shop",
		"API_CHECKOUT_TIMEZONE":                "Asia/Kolkata",
		"API_CHECKOUT_CURRENCY":                "usd",
		"API_CHECKOUT_TAX_RATE":                "0.07",
		"API_CHECKOUT_SHIPPING_FEE":            "5.5",
		"API_CHECKOUT_FREE_SHIPPING_THRESHOLD": "50",
		"API_AUTH_MODE":                        "LOCAL",
		"API_AUTH_LOCAL_SIGNING_KEY":           "secret://auth/local",
		"API_STRIPE_WEBHOOK_SECRET":            "secret://stripe/webhook",
		"API_IDEMPOTENCY_BACKEND":              "redis",
		"API_REDIS_ADDR":                       "localhost:6379",
		"API_EVENTS_BACKEND":                   "kafka",
		"API_KAFKA_BROKERS":                    "k1:9092, k2:9092",
	}
	secrets := map[string]string{
		"secret://db-url":         "postgres://prod/commerce",
		"secret://auth/local":     "local-key",
		"secret://stripe/webhook": "whsec_123",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("unknown secret")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.RequestTimeout != 5*time.Second {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Database.URL != "postgres://prod/commerce" || cfg.Database.MaxConns != 25 || !cfg.Database.MigrateOnStart {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Checkout.OrderNumberPrefix != "SHOP" || cfg.Checkout.Currency != "USD" {
		t.Errorf("expected upper-cased prefix and currency, got %+v", cfg.Checkout)
	}
	if cfg.Checkout.Location.String() != "Asia/Kolkata" {
		t.Errorf("unexpected location %s", cfg.Checkout.Location)
	}
	if cfg.Checkout.ShippingFee.StringFixed(2) != "5.50" {
		t.Errorf("unexpected shipping fee %s", cfg.Checkout.ShippingFee)
	}
	if cfg.Auth.Mode != AuthModeLocal || cfg.Auth.LocalSigningKey != "local-key" {
		t.Errorf("unexpected auth config: %+v", cfg.Auth)
	}
	if cfg.Stripe.WebhookSecret != "whsec_123" {
		t.Errorf("expected resolved webhook secret, got %s", cfg.Stripe.WebhookSecret)
	}
	if !slices.Equal(cfg.Events.KafkaBrokers, []string{"k1:9092", "k2:9092"}) {
		t.Errorf("unexpected brokers %v", cfg.Events.KafkaBrokers)
	}
}

func TestLoadReportsEveryInvalidField(t *testing.T) {
	env := map[string]string{
		"API_CHECKOUT_TAX_RATE":   "eighteen",
		"API_CHECKOUT_TIMEZONE":   "Mars/Olympus",
		"API_AUTH_MODE":           "local",
		"API_IDEMPOTENCY_BACKEND": "firestore",
		"API_EVENTS_BACKEND":      "carrier-pigeon",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields := validation.Fields()
	for _, want := range []string{
		"Checkout.TaxRate",
		"Checkout.Timezone",
		"Database.URL",
		"Auth.LocalSigningKey",
		"Firestore.ProjectID",
		"Events.Backend",
	} {
		if !slices.Contains(fields, want) {
			t.Errorf("expected %s in %v", want, fields)
		}
	}
}

func TestLoadSecretResolutionFailure(t *testing.T) {
	env := baseEnv()
	env["API_STRIPE_WEBHOOK_SECRET"] = "sm://stripe/webhook"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected secret error, got %v", err)
	}
	if secretErr.Ref != "secret://stripe/webhook" {
		t.Errorf("expected normalised ref, got %s", secretErr.Ref)
	}
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local overrides\nAPI_DATABASE_URL=postgres://dotenv/commerce\nexport API_FIREBASE_PROJECT_ID=\"from-dotenv\"\nAPI_SERVER_PORT=7070\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{"API_SERVER_PORT": "6060"}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Database.URL != "postgres://dotenv/commerce" || cfg.Firebase.ProjectID != "from-dotenv" {
		t.Errorf("expected values from dotenv, got %+v / %+v", cfg.Database, cfg.Firebase)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected explicit env map to win over dotenv, got %s", cfg.Server.Port)
	}
}

func TestLoadMissingDotEnvIsIgnored(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.env")
	if _, err := Load(context.Background(), WithEnvFile(missing), WithoutSystemEnv(), WithEnvMap(baseEnv())); err != nil {
		t.Fatalf("expected missing env file to be ignored, got %v", err)
	}
}
