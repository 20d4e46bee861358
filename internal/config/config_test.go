package config

import (
	"testing"
	"time"
)

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "production", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "callgrid", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret", JWTIssuer: "iss", JWTAudience: "aud"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "callgrid", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Signaling.MaxMessageBytes != 64*1024 {
		t.Fatalf("expected message size default, got %d", c.Signaling.MaxMessageBytes)
	}
	if c.Calls.PersistTimeout != 5*time.Second {
		t.Fatalf("expected persist timeout default, got %v", c.Calls.PersistTimeout)
	}
	if c.Presence.StatusTTL <= 0 {
		t.Fatalf("expected presence ttl default")
	}
}

func TestValidate_RejectsNegativeCallCap(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "callgrid"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
		Calls: CallsConfig{MaxActivePerUser: -1},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for negative call cap")
	}
}
