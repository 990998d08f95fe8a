package env

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

var Env map[string]string

func GetEnv(key, def string) string {
	// Loaded .env values win over the process environment
	if val, ok := Env[key]; ok {
		return val
	}
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// SetupEnvFile loads the first .env file found. A missing file is fine in
// containers where everything comes from the process environment.
func SetupEnvFile() {
	envFiles := []string{
		".env",
		"../../.env",    // from cmd/quotaledger
		"../../../.env", // deeper nesting in tests
	}

	var err error
	for _, envFile := range envFiles {
		Env, err = godotenv.Read(envFile)
		if err == nil {
			return
		}
	}
	Env = map[string]string{}
}

// Export pushes loaded .env values into the process environment so that
// struct based parsers see the same values as GetEnv.
func Export() {
	for k, v := range Env {
		if _, ok := os.LookupEnv(k); !ok {
			_ = os.Setenv(k, v)
		}
	}
}

func AppEnv() string {
	return strings.ToLower(GetEnv("APP_ENV", "prod"))
}

func IsDev() bool {
	return AppEnv() == "dev"
}

// IsProduction treats anything that is not explicitly dev/test/staging as production.
func IsProduction() bool {
	switch AppEnv() {
	case "dev", "test", "staging":
		return false
	}
	return true
}
