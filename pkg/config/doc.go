// Package config loads and validates Stagehand configuration from YAML
// files. Every section has working defaults so a config file only needs
// to name what it changes; validation runs after defaults are applied.
package config
