// Package config resolves the layered configuration of the service into a
// single read-only settings tree.
//
// # Sources
//
// Settings are merged from the following layers, later layers winning:
//
//	1. Built-in defaults
//	2. The yaml file named by BLOG_CONFIG_FILE (appsettings.yaml)
//	3. The remote configuration service at BLOG_REMOTE_URL, if set
//	4. Environment overrides of the form BLOG__Section__Key
//
// Bootstrap options (file location, remote service, environment name) are
// read with envconfig before the tree exists. A .env file in the working
// directory is loaded first when present.
//
// # Keys
//
// Keys are dotted paths and are matched case-insensitively:
//
//	settings.Bool("Startup.IdentityServer.Enabled")
//	settings.String("AppSettings.ServiceName")
//
// Sections can be decoded into typed structs, which are validated:
//
//	srv, err := settings.Server()
//
// Settings never change after Load returns. Changing a value requires a
// restart.
package config
