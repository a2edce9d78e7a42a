package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDB holds the test database connection and container
type TestDB struct {
	DB        *sqlx.DB
	ConnStr   string
	container testcontainers.Container
}

// SetupTestDB initializes a PostgreSQL container, applies the migrations and
// returns a connected DB. It skips the test under -short or when the DB_*
// variables are not configured.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	ctx := context.Background()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		t.Logf("No .env file found or failed to load: %v. Proceeding with environment variables.", err)
	}

	// Get environment variables
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	dbHost := os.Getenv("DB_HOST")

	// Validate required variables
	if dbUsername == "" || dbPassword == "" || dbName == "" || dbHost == "" {
		t.Skip("DB_USERNAME, DB_PASSWORD, DB_NAME and DB_HOST are required for Postgres tests")
	}

	// Define the container request
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     dbUsername,
			"POSTGRES_PASSWORD": dbPassword,
			"POSTGRES_DB":       dbName,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
	}

	// Start the container
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatal(err)
	}

	// Connection string
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, port.Port(), dbName)

	// Connect to the test DB
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		errTerminateCnt := pgContainer.Terminate(ctx)
		if errTerminateCnt != nil {
			t.Fatalf("Failed to terminate container: %v", errTerminateCnt)
		}
		t.Fatalf("Failed to connect to test DB: %v", err)
	}

	// Wait for DB to be ready
	for i := 0; i < 10; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		if i == 9 {
			errTerminateCnt := pgContainer.Terminate(ctx)
			if errTerminateCnt != nil {
				t.Fatalf("Failed to terminate container: %v", errTerminateCnt)
			}
			t.Fatalf("Failed to ping test DB after retries: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	// Run migrations
	m, err := migrate.New("file://../../migrations", connStr)
	if err != nil {
		errTerminateCnt := pgContainer.Terminate(ctx)
		if errTerminateCnt != nil {
			t.Fatalf("Failed to terminate container: %v", errTerminateCnt)
		}
		t.Fatalf("Failed to initialize migrations: %v", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		errTerminateCnt := pgContainer.Terminate(ctx)
		if errTerminateCnt != nil {
			t.Fatalf("Failed to terminate container: %v", errTerminateCnt)
		}
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	return &TestDB{
		DB:        db,
		ConnStr:   connStr,
		container: pgContainer,
	}
}

// Seed inserts a workspace, its projects and memberships. Workspace and
// membership management live outside this service, so tests write them directly.
func (td *TestDB) Seed(t *testing.T, workspaceID string, projectIDs []string, members map[string]string) {
	t.Helper()
	if _, err := td.DB.Exec("INSERT INTO workspaces (id, name) VALUES ($1, $1)", workspaceID); err != nil {
		t.Fatalf("Failed to seed workspace %s: %v", workspaceID, err)
	}
	for _, projectID := range projectIDs {
		if _, err := td.DB.Exec("INSERT INTO projects (id, workspace_id, name) VALUES ($1, $2, $1)", projectID, workspaceID); err != nil {
			t.Fatalf("Failed to seed project %s: %v", projectID, err)
		}
	}
	for userID, role := range members {
		if _, err := td.DB.Exec("INSERT INTO workspace_members (workspace_id, user_id, role) VALUES ($1, $2, $3)", workspaceID, userID, role); err != nil {
			t.Fatalf("Failed to seed member %s: %v", userID, err)
		}
	}
}

// Teardown cleans up the test database and container
func (td *TestDB) Teardown(t *testing.T) {
	if err := td.DB.Close(); err != nil {
		t.Errorf("Failed to close DB connection: %v", err)
	}
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Fatalf("Failed to terminate container: %v", err)
	}
}
