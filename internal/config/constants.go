package config

import "time"

// Application constants
const (
	AppName    = "blogcore"
	AppVersion = "1.0.0"

	// EnvPrefix namespaces the bootstrap variables (BLOG_CONFIG_FILE, ...).
	EnvPrefix = "BLOG"
	// EnvSettingsPrefix namespaces settings overrides, "__" separating path
	// segments: BLOG__Startup__Cors__PolicyName.
	EnvSettingsPrefix = "BLOG__"

	// RealtimeHubPath is where the chat hub is mounted, outside the route prefix.
	RealtimeHubPath = "/api2/chatHub"

	// ProductionEnvironment is the AppSettings.Environment value treated as production.
	ProductionEnvironment = "Production"

	delimiter = "."
)

// Recognized setting keys. Lookups are case-insensitive.
const (
	KeyIdentityServerEnabled = "Startup.IdentityServer.Enabled"
	KeyFederatedBEnabled     = "Startup.FederatedB.Enabled"
	KeyAuthingEnabled        = "Startup.Authing.Enabled"
	KeyCorsPolicyName        = "Startup.Cors.PolicyName"

	KeyRequestTimeout = "Server.RequestTimeout"

	KeyServiceName = "AppSettings.ServiceName"
	KeyUseLoadTest = "AppSettings.UseLoadTest"
	KeyEnvironment = "AppSettings.Environment"

	KeyRequestEncryption  = "Middleware.EncryptionRequest.Enabled"
	KeyResponseEncryption = "Middleware.EncryptionResponse.Enabled"
	KeyEncryptionSecret   = "Middleware.Encryption.Secret"
	KeyRateLimitEnabled   = "Middleware.IpRateLimit.Enabled"
	KeyAccessLogsEnabled  = "Middleware.RecordAccessLogs.Enabled"
	KeyRealtimeEnabled    = "Middleware.SignalR.Enabled"

	SectionServer         = "Server"
	SectionLogging        = "Logging"
	SectionAudience       = "Audience"
	SectionIdentityServer = "Startup.IdentityServer"
	SectionFederatedB     = "Startup.FederatedB"
	SectionAuthing        = "Startup.Authing"
	SectionCorsPolicies   = "Startup.Cors.Policies"
	SectionRateLimit      = "Middleware.IpRateLimit"
	SectionAccessLogs     = "Middleware.RecordAccessLogs"
	SectionSession        = "Middleware.Session"
	SectionMessaging      = "Messaging"
)

// defaults returns the built-in settings layer keyed by normalized path.
func defaults() map[string]any {
	d := map[string]any{
		"Server.Host":            "0.0.0.0",
		"Server.Port":            8080,
		"Server.ReadTimeout":     "15s",
		"Server.WriteTimeout":    "15s",
		"Server.IdleTimeout":     "60s",
		"Server.ShutdownTimeout": "30s",
		"Server.RequestTimeout":  "60s",
		"Server.MaxHeaderBytes":  1 << 20,

		"Logging.Level":    "info",
		"Logging.Format":   "json",
		"Logging.Output":   "stdout",
		"Logging.FilePath": "logs/blogcore.log",

		KeyEnvironment: "Development",
		KeyServiceName: "",
		KeyUseLoadTest: false,

		"Audience.Issuer":     "Blog.Core",
		"Audience.Audience":   "wr",
		"Audience.Expiration": "1h",

		KeyIdentityServerEnabled: false,
		KeyFederatedBEnabled:     false,
		KeyAuthingEnabled:        false,
		KeyCorsPolicyName:        "LimitRequests",

		"Startup.Cors.Policies.LimitRequests.Origins":          []string{"http://localhost:8080"},
		"Startup.Cors.Policies.LimitRequests.AllowCredentials": true,

		KeyRequestEncryption:  false,
		KeyResponseEncryption: false,

		KeyRateLimitEnabled:                    true,
		"Middleware.IpRateLimit.RequestsPerSecond": 10.0,
		"Middleware.IpRateLimit.Burst":             20,

		KeyAccessLogsEnabled:                  true,
		"Middleware.RecordAccessLogs.Topic":   "access-log",
		"Middleware.RecordAccessLogs.Backend": "eventbus",

		KeyRealtimeEnabled: true,

		"Middleware.Session.CookieName":  "blogcore.session",
		"Middleware.Session.IdleTimeout": "20m",

		"Messaging.RabbitMQ.Enabled": false,
		"Messaging.Kafka.Enabled":    false,
		"Messaging.Kafka.GroupID":    "blogcore",
		"Messaging.Redis.Enabled":    false,
		"Messaging.Redis.GroupID":    "blogcore",
		"Messaging.NATS.Enabled":     false,
		"Messaging.EventBus.Enabled": true,
		"Messaging.DialTimeout":      "5s",
	}

	out := make(map[string]any, len(d))
	for k, v := range d {
		out[normalizeKey(k)] = v
	}
	return out
}

// DefaultJWKSCacheTTL is used when a federated provider does not set CacheTTL.
const DefaultJWKSCacheTTL = time.Hour
