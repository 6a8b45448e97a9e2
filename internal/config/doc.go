// Package config provides centralized configuration management for the entitlement agent.
// It loads configuration from multiple sources, validates it, and resolves the
// filesystem locations used by the license store, logs and exports.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//  1. Environment variables (highest priority)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern ENTITLE_<SECTION>_<FIELD>:
//
//	ENTITLE_APPLICATION_PRODUCT_ID=studio
//	ENTITLE_APPLICATION_VERSION=2.4.1
//	ENTITLE_LICENSING_SERVER_URL=https://licensing.example.com
//	ENTITLE_LICENSING_POLICY_SOURCE=access_key
//	ENTITLE_LICENSING_ACCESS_KEY=...
//	ENTITLE_LOGGING_LEVEL=debug
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	paths := cfg.ResolvePaths(baseDir)
//	if err := paths.EnsureDirectories(); err != nil {
//	    return err
//	}
package config
