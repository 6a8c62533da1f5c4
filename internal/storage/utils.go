package storage

import (
	"fmt"
	"os"
)

func InitStore(dbConnStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// ConnStringFromEnv builds a connection string from the DB_* variables.
func ConnStringFromEnv() (string, error) {
	return ConnStringFromLookup(os.LookupEnv)
}

// ConnStringFromLookup is ConnStringFromEnv over an arbitrary lookup.
func ConnStringFromLookup(lookup func(string) (string, bool)) (string, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}
	dbUsername := get("DB_USERNAME")
	dbPassword := get("DB_PASSWORD")
	dbHost := get("DB_HOST")
	dbPort := get("DB_PORT")
	dbName := get("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return "", fmt.Errorf("complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName), nil
}
