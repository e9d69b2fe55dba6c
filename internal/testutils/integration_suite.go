package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/kelseyhightower/envconfig"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"kcopilot/backend/internal/config"
)

const (
	dbName = "kcopilot_test"
	dbUser = "test"
	dbPass = "test"
)

type IntegrationSuite struct {
	T   *testing.T
	DB  *sql.DB
	NSQ *nsq.Producer

	// WithNSQ starts an nsqd container alongside Postgres.
	WithNSQ bool

	pgContainer  *postgres.PostgresContainer
	nsqContainer testcontainers.Container

	dbHost   string
	dbPort   int
	nsqdTCP  string
	nsqdHTTP string
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return &IntegrationSuite{T: t, WithNSQ: true}
}

func migrationsPath() string {
	_, b, _, _ := runtime.Caller(0)
	return fmt.Sprintf("file://%s", filepath.Join(filepath.Dir(b), "..", "..", "migrations"))
}

func (s *IntegrationSuite) Setup() {
	ctx := context.Background()

	// 1. Postgres with pgvector
	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPass),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.DB, err = sql.Open("postgres", connStr)
	require.NoError(s.T, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(s.T, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(s.T, err)
	s.dbHost = host
	s.dbPort = port.Int()

	m, err := migrate.New(migrationsPath(), connStr)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())

	if !s.WithNSQ {
		return
	}

	// 2. NSQ
	nsqReq := testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	}
	nsqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: nsqReq,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.nsqContainer = nsqC

	nsqHost, err := nsqC.Host(ctx)
	require.NoError(s.T, err)
	tcpPort, err := nsqC.MappedPort(ctx, "4150")
	require.NoError(s.T, err)
	httpPort, err := nsqC.MappedPort(ctx, "4151")
	require.NoError(s.T, err)
	s.nsqdTCP = fmt.Sprintf("%s:%s", nsqHost, tcpPort.Port())
	s.nsqdHTTP = fmt.Sprintf("%s:%s", nsqHost, httpPort.Port())

	s.NSQ, err = nsq.NewProducer(s.nsqdTCP, nsq.NewConfig())
	require.NoError(s.T, err)
}

// GetAppConfig returns a configuration pointing at the suite's containers,
// with every other field at its default.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	var cfg config.Config
	require.NoError(s.T, envconfig.Process("", &cfg))

	cfg.DBHost = s.dbHost
	cfg.DBPort = s.dbPort
	cfg.DBUser = dbUser
	cfg.DBPass = dbPass
	cfg.DBName = dbName
	cfg.MigrationPath = migrationsPath()
	cfg.NSQDHost = s.nsqdTCP
	cfg.NSQDHTTP = s.nsqdHTTP
	cfg.NSQLookupd = ""
	cfg.QueryLogPath = filepath.Join(s.T.TempDir(), "query.log")
	cfg.GeminiAPIKey = "test-key"
	cfg.BootstrapRetryAttempts = 5
	cfg.BootstrapRetryDelaySeconds = 1
	return &cfg
}

func (s *IntegrationSuite) DSN() string {
	return "host=" + s.dbHost + " port=" + strconv.Itoa(s.dbPort) +
		" user=" + dbUser + " password=" + dbPass + " dbname=" + dbName + " sslmode=disable"
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.NSQ != nil {
		s.NSQ.Stop()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	if s.pgContainer != nil {
		s.pgContainer.Terminate(ctx)
	}
	if s.nsqContainer != nil {
		s.nsqContainer.Terminate(ctx)
	}
}
