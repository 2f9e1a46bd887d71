package constants

import "time"

const (
	AppName   = "walletlink-client"
	StoreFile = "store.json"

	SchemaV1      = 1
	FilePerm      = 0o600
	DirectoryPerm = 0o700

	// AAD binds the sealed store to this application.
	StoreAAD = "walletlink:store:v1"

	// Prefix of every scoped storage key: "-walletlink:<scope>:<key>".
	StoragePrefix = "-walletlink"
	DefaultScope  = "walletlink"

	EnvName       = "WALLETLINK_ENV"
	EnvPassphrase = "WALLETLINK_STORE_PASSPHRASE"
)

// Storage keys.
const (
	SessionIDKey     = "session:id"
	SessionSecretKey = "session:secret"
	SessionLinkedKey = "session:linked"

	AddressesKey         = "Addresses"
	DefaultChainIDKey    = "DefaultChainId"
	DefaultJSONRPCURLKey = "DefaultJsonRpcUrl"
	WalletUsernameKey    = "walletUsername"
	AppVersionKey        = "AppVersion"

	IsStandaloneSigningKey = "IsStandaloneSigning"
)

// Relay timing defaults.
const (
	HeartbeatInterval = 10 * time.Second
	RequestTimeout    = 60 * time.Second
	ReconnectDelay    = 5 * time.Second
	DestroyTimeout    = time.Second

	FilterTimeout          = 5 * time.Minute
	BlockNumberThrottle    = time.Second
	DefaultPollInterval    = 4 * time.Second
	DefaultHTTPReadTimeout = 10 * time.Second
)
