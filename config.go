package main

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/zCloak-Network/sbt-api/eip712"
	"github.com/zCloak-Network/sbt-api/models"
)

// Application configuration.
type config struct {
	ListenAddr     string
	DBPath         string
	Domain         eip712.Domain
	Admin          models.Identity
	Verifiers      []models.Identity
	AllowedOrigins []string
	RequestMaxAge  time.Duration
	GRPCAddr       string
	HealthInterval time.Duration
	SecureGRPC     bool
	HealthCheck    bool
	Debug          bool
}

func parseIdentity(name string, s string) (models.Identity, error) {
	if !common.IsHexAddress(s) {
		return models.BlankIdentity, fmt.Errorf("invalid --%s argument: %q is not an address", name, s)
	}
	return common.HexToAddress(s), nil
}

// Parse command-line arguments.
// Returns a config struct with the parsed arguments.
func parseArguments(args []string) (config, error) {
	flags := pflag.NewFlagSet("sbt-api", pflag.ContinueOnError)
	addr := flags.String("addr", "0.0.0.0:8080", "Address on which to listen to HTTP requests")
	dbPath := flags.String("db-path", "db.sqlite3", "sqlite3 database path")
	admin := flags.String("admin", "", "Address of the ledger administrator, recorded the first time the database is used")
	verifiers := flags.StringSlice("verifiers", nil, "Comma-separated addresses of the verifiers whitelisted the first time the database is used")
	domainName := flags.String("domain-name", "zCloakSBT", "EIP-712 domain name")
	domainVersion := flags.String("domain-version", "0", "EIP-712 domain version")
	chainID := flags.Uint64("chain-id", 0, "EIP-712 domain chain ID")
	contract := flags.String("verifying-contract", "", "EIP-712 domain verifying contract address, identifying this ledger instance")
	origins := flags.StringSlice("allowed-origins", []string{"*"}, "Comma-separated list of origins allowed to make cross-origin requests")
	maxAge := flags.Duration("request-max-age", 15*time.Minute, "How far a signed request's timestamp may be from the current time")
	grpcAddr := flags.String("grpc-addr", "", "Address on which to serve the gRPC health service. Disabled if empty")
	healthInterval := flags.Duration("health-interval", 30*time.Second, "How often to check the ledger's health")
	secureGRPC := flags.Bool("secure-grpc", false, "Whether --healthcheck must use TLS")
	healthCheck := flags.Bool("healthcheck", false, "Query the health of the ledger serving on --grpc-addr and exit")
	debug := flags.Bool("debug", false, "Whether to enable verbose logging")
	if err := flags.Parse(args); err != nil {
		return config{}, err
	}

	if *grpcAddr != "" {
		if _, _, err := net.SplitHostPort(*grpcAddr); err != nil {
			return config{}, fmt.Errorf("invalid --grpc-addr argument: %v", err)
		}
	}
	if *healthCheck {
		if *grpcAddr == "" {
			return config{}, errors.New("--healthcheck requires --grpc-addr")
		}
		// Nothing else is needed to query a running ledger.
		return config{GRPCAddr: *grpcAddr, SecureGRPC: *secureGRPC, HealthCheck: true, Debug: *debug}, nil
	}

	adminID, err := parseIdentity("admin", *admin)
	if err != nil {
		return config{}, err
	}
	if models.IsBlank(adminID) {
		return config{}, errors.New("invalid --admin argument: the zero address cannot administer the ledger")
	}

	verifierIDs := make([]models.Identity, 0, len(*verifiers))
	for _, v := range *verifiers {
		id, err := parseIdentity("verifiers", v)
		if err != nil {
			return config{}, err
		}
		verifierIDs = append(verifierIDs, id)
	}

	contractID, err := parseIdentity("verifying-contract", *contract)
	if err != nil {
		return config{}, err
	}

	domain := eip712.Domain{
		Name:              *domainName,
		Version:           *domainVersion,
		ChainID:           *chainID,
		VerifyingContract: contractID,
	}
	if err := domain.Validate(); err != nil {
		return config{}, fmt.Errorf("invalid domain arguments: %w (name, version and chain ID are required)", err)
	}

	if *maxAge <= 0 {
		return config{}, errors.New("invalid --request-max-age argument: must be positive")
	}
	if *healthInterval <= 0 {
		return config{}, errors.New("invalid --health-interval argument: must be positive")
	}

	return config{
		ListenAddr:     *addr,
		DBPath:         *dbPath,
		Domain:         domain,
		Admin:          adminID,
		Verifiers:      verifierIDs,
		AllowedOrigins: *origins,
		RequestMaxAge:  *maxAge,
		GRPCAddr:       *grpcAddr,
		HealthInterval: *healthInterval,
		SecureGRPC:     *secureGRPC,
		Debug:          *debug,
	}, nil
}
