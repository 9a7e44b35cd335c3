// Package model defines the provider-agnostic abstractions reasoning workers
// use to talk to language models.
//
// Providers (OpenAI, Anthropic) implement Model in their own subpackages so
// the worker loop stays decoupled from vendor SDKs. Collect drains a
// Generate call into the single response a reasoning turn needs, and
// MockModel scripts turns for tests.
package model
